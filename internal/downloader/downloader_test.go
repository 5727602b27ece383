package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kinnato/vcrunner/internal/httpx"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/task"
)

func testEngine(opts Options) *Engine {
	return NewEngine(httpx.NewClient(), opts, logging.NewDefaultLogger())
}

func smallOpts() Options {
	return Options{
		ChunkSize:      1024,
		MinChunks:      1,
		MaxChunks:      32,
		ParallelChunks: 4,
		ChunkRetries:   3,
	}
}

// sourceServer serves body with range support at /file.mp4.
func sourceServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.mp4", time.Now(), bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func randomBytes(n int) []byte {
	body := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(body)
	return body
}

func TestDownloadMatchesSource(t *testing.T) {
	body := randomBytes(10*1024 + 37) // not chunk-aligned
	srv := sourceServer(t, body)
	dir := t.TempDir()

	path, err := testEngine(smallOpts()).Download(context.Background(), srv.URL+"/file.mp4", dir, nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("downloaded %d bytes differ from source %d bytes", len(got), len(body))
	}
	if filepath.Base(path) != "file.mp4" {
		t.Errorf("destination name = %q", filepath.Base(path))
	}

	// All part files are unlinked after assembly.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("scratch dir holds %d entries, want only the final file", len(entries))
	}
}

func TestChunkPlanAtExactBoundary(t *testing.T) {
	e := testEngine(smallOpts())
	const n = 4
	chunks := e.planChunks(filepath.Join(t.TempDir(), "f"), n*1024)

	if len(chunks) != n {
		t.Fatalf("planned %d chunks, want %d", len(chunks), n)
	}
	for i, c := range chunks {
		if c.size != 1024 {
			t.Errorf("chunk %d size = %d, want 1024", i, c.size)
		}
	}
}

func TestChunkPlanClampsToMax(t *testing.T) {
	opts := smallOpts()
	opts.MaxChunks = 8
	e := testEngine(opts)

	chunks := e.planChunks(filepath.Join(t.TempDir(), "f"), 100*1024)
	if len(chunks) != 8 {
		t.Errorf("planned %d chunks, want clamp at 8", len(chunks))
	}

	var total int64
	for _, c := range chunks {
		total += c.size
	}
	if total != 100*1024 {
		t.Errorf("chunk sizes sum to %d, want %d", total, 100*1024)
	}
}

func TestResumeSkipsExistingBytes(t *testing.T) {
	body := randomBytes(4 * 1024)
	var served atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			served.Add(1)
		}
		http.ServeContent(w, r, "file.mp4", time.Now(), bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	dest := filepath.Join(dir, "file.mp4")

	// A previous run finished chunk 0 and half of chunk 1.
	if err := os.WriteFile(dest+".part0", body[:1024], 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest+".part1", body[1024:1536], 0644); err != nil {
		t.Fatal(err)
	}

	path, err := testEngine(smallOpts()).Download(context.Background(), srv.URL+"/file.mp4", dir, nil)
	if err != nil {
		t.Fatalf("resumed download failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, body) {
		t.Error("resumed file differs from source")
	}
	// Chunk 0 was complete; only chunks 1..3 needed requests.
	if served.Load() != 3 {
		t.Errorf("served %d ranged GETs, want 3", served.Load())
	}
}

func TestEmptySourceFails(t *testing.T) {
	srv := sourceServer(t, nil)

	_, err := testEngine(smallOpts()).Download(context.Background(), srv.URL+"/file.mp4", t.TempDir(), nil)
	if err == nil {
		t.Fatal("empty source should fail")
	}
	var te *task.Error
	if !errors.As(err, &te) || te.Code != task.CodeDownloadError {
		t.Errorf("error = %v, want DOWNLOAD_ERROR", err)
	}
}

func TestUnreachableSourceFails(t *testing.T) {
	_, err := testEngine(smallOpts()).Download(context.Background(), "http://127.0.0.1:1/file.mp4", t.TempDir(), nil)
	if err == nil {
		t.Fatal("unreachable source should fail")
	}
	var te *task.Error
	if !errors.As(err, &te) || te.Code != task.CodeDownloadError {
		t.Errorf("error = %v, want DOWNLOAD_ERROR", err)
	}
}

func TestChunkRetryOnTransientError(t *testing.T) {
	body := randomBytes(2 * 1024)
	var gets atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && gets.Add(1) == 1 {
			http.Error(w, "blip", http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "file.mp4", time.Now(), bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)

	opts := smallOpts()
	opts.ParallelChunks = 1 // deterministic request order
	path, err := testEngine(opts).Download(context.Background(), srv.URL+"/file.mp4", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("download should survive one 503: %v", err)
	}

	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, body) {
		t.Error("file differs after retry")
	}
}

func TestProgressIsMonotonicAndTerminal(t *testing.T) {
	body := randomBytes(8 * 1024)
	srv := sourceServer(t, body)

	var percents []float64
	_, err := testEngine(smallOpts()).Download(context.Background(), srv.URL+"/file.mp4", t.TempDir(),
		func(info task.DownloadInfo) {
			percents = append(percents, info.Progress)
		})
	if err != nil {
		t.Fatal(err)
	}

	if len(percents) == 0 {
		t.Fatal("no progress emitted")
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Errorf("progress went backwards: %v", percents)
			break
		}
	}
	if final := percents[len(percents)-1]; final != 100 {
		t.Errorf("terminal progress = %f, want 100", final)
	}
}

func TestCancelKeepsPartFiles(t *testing.T) {
	body := randomBytes(64 * 1024)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Trickle the first bytes, then stall until cancelled.
			w.WriteHeader(http.StatusPartialContent)
			w.Write(body[:16])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-release
			return
		}
		http.ServeContent(w, r, "file.mp4", time.Now(), bytes.NewReader(body))
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()

	done := make(chan error, 1)
	go func() {
		_, err := testEngine(smallOpts()).Download(ctx, srv.URL+"/file.mp4", dir, nil)
		done <- err
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled download should not succeed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("download did not return after cancel")
	}

	parts, _ := filepath.Glob(filepath.Join(dir, "*.part*"))
	if len(parts) == 0 {
		t.Error("part files should survive cancellation for resume")
	}
}

func TestFileNameFromURL(t *testing.T) {
	cases := map[string]string{
		"http://src/videos/a.mp4":    "a.mp4",
		"http://src/a.mp4?sig=x":     "a.mp4",
		"http://src/":                "source",
		fmt.Sprintf("http://%s", ""): "source",
	}
	for url, want := range cases {
		if got := fileNameFromURL(url); got != want {
			t.Errorf("fileNameFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}
