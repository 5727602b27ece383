package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/task"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"store:9000":          "http://store:9000",
		"http://store:9000":   "http://store:9000",
		"https://minio.local": "https://minio.local",
	}
	for in, want := range cases {
		if got := NormalizeEndpoint(in); got != want {
			t.Errorf("NormalizeEndpoint(%q) = %q, want %q", in, got, want)
		}
	}
}

// fakeS3 is a minimal in-memory S3-compatible endpoint covering the
// calls the uploader makes.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte          // key -> body
	metadata map[string]map[string]string
	parts    map[string]map[int][]byte // uploadId -> partNumber -> body
	puts     int
	creates  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
		parts:    make(map[string]map[int][]byte),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.creates++
		uploadID := fmt.Sprintf("upload-%d", f.creates)
		f.parts[uploadID] = make(map[int][]byte)
		f.metadata[key] = amzMetadata(r.Header)
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, uploadID)

	case r.Method == http.MethodPut && q.Has("partNumber"):
		uploadID := q.Get("uploadId")
		partNum, _ := strconv.Atoi(q.Get("partNumber"))
		body, _ := io.ReadAll(r.Body)
		if f.parts[uploadID] == nil {
			http.Error(w, "no such upload", http.StatusNotFound)
			return
		}
		f.parts[uploadID][partNum] = body
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, partNum))

	case r.Method == http.MethodPost && q.Has("uploadId"):
		uploadID := q.Get("uploadId")
		nums := make([]int, 0, len(f.parts[uploadID]))
		for n := range f.parts[uploadID] {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var assembled []byte
		for _, n := range nums {
			assembled = append(assembled, f.parts[uploadID][n]...)
		}
		f.objects[key] = assembled
		delete(f.parts, uploadID)
		fmt.Fprintf(w, `<CompleteMultipartUploadResult><Key>%s</Key></CompleteMultipartUploadResult>`, key)

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		delete(f.parts, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		f.puts++
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.metadata[key] = amzMetadata(r.Header)
		w.Header().Set("ETag", `"etag-single"`)

	case r.Method == http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "video/mp4")

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "unhandled", http.StatusNotImplemented)
	}
}

func amzMetadata(h http.Header) map[string]string {
	meta := make(map[string]string)
	for name, values := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}

func testStore(t *testing.T, fake *fakeS3) *ObjectStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := New(context.Background(), Credentials{
		Endpoint:  srv.URL,
		AccessKey: "ak",
		SecretKey: "sk",
		Bucket:    "converted",
	}, logging.NewDefaultLogger())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	body := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(body)
	path := filepath.Join(t.TempDir(), "out.mp4")
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadSingleShot(t *testing.T) {
	fake := newFakeS3()
	store := testStore(t, fake)
	path := writeTempFile(t, 4096)

	info, err := store.Upload(context.Background(), path, "t1.mp4", map[string]string{"taskId": "t1"}, nil)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts=%d creates=%d, want single-shot path", fake.puts, fake.creates)
	}
	stored := fake.objects["converted/t1.mp4"]
	local, _ := os.ReadFile(path)
	if !bytes.Equal(stored, local) {
		t.Error("stored object differs from local file")
	}
	if fake.metadata["converted/t1.mp4"]["taskid"] != "t1" {
		t.Errorf("metadata = %v", fake.metadata["converted/t1.mp4"])
	}
	if info.TargetURL == "" || !strings.Contains(info.TargetURL, "t1.mp4") {
		t.Errorf("target URL = %q", info.TargetURL)
	}
	if info.Progress != 100 {
		t.Errorf("progress = %f", info.Progress)
	}
}

func TestUploadAtThresholdStaysSingleShot(t *testing.T) {
	fake := newFakeS3()
	store := testStore(t, fake)
	path := writeTempFile(t, constants.MultipartThreshold)

	if _, err := store.Upload(context.Background(), path, "edge.mp4", nil, nil); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if fake.puts != 1 || fake.creates != 0 {
		t.Errorf("puts=%d creates=%d, threshold file must use single-shot", fake.puts, fake.creates)
	}
}

func TestUploadOverThresholdUsesMultipart(t *testing.T) {
	fake := newFakeS3()
	store := testStore(t, fake)
	path := writeTempFile(t, constants.MultipartThreshold+1)

	var updates []task.UploadInfo
	info, err := store.Upload(context.Background(), path, "big.mp4", nil, func(u task.UploadInfo) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if fake.creates != 1 {
		t.Errorf("creates = %d, want multipart", fake.creates)
	}
	stored := fake.objects["converted/big.mp4"]
	local, _ := os.ReadFile(path)
	if !bytes.Equal(stored, local) {
		t.Error("multipart reassembly differs from local file")
	}
	if len(updates) == 0 {
		t.Error("no per-part progress emitted")
	}
	if info.CurrentSize != int64(constants.MultipartThreshold+1) {
		t.Errorf("final CurrentSize = %d", info.CurrentSize)
	}
}

func TestUploadEmptyFileFails(t *testing.T) {
	store := testStore(t, newFakeS3())
	path := filepath.Join(t.TempDir(), "empty.mp4")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}

	_, err := store.Upload(context.Background(), path, "empty.mp4", nil, nil)
	if err == nil {
		t.Fatal("empty file should fail")
	}
	te, ok := err.(*task.Error)
	if !ok || te.Code != task.CodeUploadError {
		t.Errorf("error = %v, want UPLOAD_ERROR", err)
	}
}

func TestUploadMissingFileFails(t *testing.T) {
	store := testStore(t, newFakeS3())

	_, err := store.Upload(context.Background(), "/does/not/exist.mp4", "x.mp4", nil, nil)
	if err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestNewRejectsIncompleteCredentials(t *testing.T) {
	_, err := New(context.Background(), Credentials{}, logging.NewDefaultLogger())
	if err == nil {
		t.Fatal("empty credentials should be rejected")
	}
}
