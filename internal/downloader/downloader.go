// Package downloader implements the resumable chunked download engine.
//
// A download is planned as N ranged chunks, each streamed into a
// `<dest>.partN` sibling opened in append mode, so a restart counts the
// bytes already on disk and resumes mid-chunk. Chunks transfer through a
// bounded worker pool; when all parts complete they are concatenated in
// order into the destination file.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/httpx"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/task"
)

// Options tune one engine instance.
type Options struct {
	ChunkSize      int64
	MinChunks      int
	MaxChunks      int
	ParallelChunks int
	ChunkRetries   int
	// PurgeOnCancel removes part files when the context is cancelled.
	// Default false: parts survive for resume.
	PurgeOnCancel bool
}

// DefaultOptions returns the standard chunk plan.
func DefaultOptions() Options {
	return Options{
		ChunkSize:      constants.DownloadChunkSize,
		MinChunks:      constants.MinDownloadChunks,
		MaxChunks:      constants.MaxDownloadChunks,
		ParallelChunks: constants.MaxParallelChunks,
		ChunkRetries:   constants.ChunkMaxRetries,
	}
}

// Engine downloads sources over HTTP. Safe for concurrent use; each
// Download call owns its destination directory.
type Engine struct {
	client *http.Client
	opts   Options
	log    *logging.Logger
}

// NewEngine creates a download engine over the shared transport.
func NewEngine(client *http.Client, opts Options, log *logging.Logger) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = constants.DownloadChunkSize
	}
	if opts.MinChunks < 1 {
		opts.MinChunks = 1
	}
	if opts.MaxChunks < opts.MinChunks {
		opts.MaxChunks = constants.MaxDownloadChunks
	}
	if opts.ParallelChunks < 1 {
		opts.ParallelChunks = constants.MaxParallelChunks
	}
	if opts.ChunkRetries < 1 {
		opts.ChunkRetries = constants.ChunkMaxRetries
	}
	return &Engine{client: client, opts: opts, log: log}
}

// chunk is one planned byte range of the download.
type chunk struct {
	index    int
	start    int64 // first byte of the range
	size     int64 // total bytes of the range
	partPath string
	resumed  int64 // bytes already on disk from a previous attempt
}

// Download fetches url into destDir and returns the final file path.
// Progress callbacks fire at most once per second plus once at terminal.
func (e *Engine) Download(ctx context.Context, rawURL, destDir string, onProgress func(task.DownloadInfo)) (string, error) {
	totalSize, err := e.headSize(ctx, rawURL)
	if err != nil {
		return "", task.NewError(task.CodeDownloadError, err)
	}
	if totalSize <= 0 {
		return "", task.NewError(task.CodeDownloadError, fmt.Errorf("source %s reports no content length", rawURL))
	}

	dest := filepath.Join(destDir, fileNameFromURL(rawURL))

	chunks := e.planChunks(dest, totalSize)

	// Resumed bytes count toward progress but not toward speed.
	window := task.NewSpeedWindow()
	var resumed int64
	for _, c := range chunks {
		resumed += c.resumed
	}

	info := task.DownloadInfo{FileSize: totalSize}
	info.StartTime = time.Now()

	progress := newThrottle(constants.ProgressMinInterval)
	emit := func(final bool) {
		if onProgress == nil {
			return
		}
		if !final && !progress.Allow() {
			return
		}
		window.Fill(&info.StageProgress, totalSize)
		info.CurrentSize += resumed
		if totalSize > 0 {
			info.Progress = float64(info.CurrentSize) / float64(totalSize) * 100
			if info.Progress > 100 {
				info.Progress = 100
			}
		}
		if final {
			now := time.Now()
			info.EndTime = &now
			info.Progress = 100
			info.CurrentSize = totalSize
		}
		onProgress(info)
	}

	if err := e.transferChunks(ctx, rawURL, chunks, window, func() { emit(false) }); err != nil {
		if e.opts.PurgeOnCancel && errors.Is(err, context.Canceled) {
			for _, c := range chunks {
				os.Remove(c.partPath)
			}
		}
		if te, ok := err.(*task.Error); ok {
			return "", te
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", task.NewError(task.CodeDownloadError, err)
	}

	if err := e.assemble(dest, chunks, totalSize); err != nil {
		return "", task.NewError(task.CodeDownloadError, err)
	}

	emit(true)
	return dest, nil
}

// headSize asks the source for its content length.
func (e *Engine) headSize(ctx context.Context, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid source url: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("source unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("source returned %s", resp.Status)
	}
	return resp.ContentLength, nil
}

// planChunks splits the download and scans part files left by earlier
// attempts, counting their bytes as already transferred.
func (e *Engine) planChunks(dest string, totalSize int64) []*chunk {
	n := int((totalSize + e.opts.ChunkSize - 1) / e.opts.ChunkSize)
	if n < e.opts.MinChunks {
		n = e.opts.MinChunks
	}
	if n > e.opts.MaxChunks {
		n = e.opts.MaxChunks
	}

	// Even split with the remainder on the last chunk.
	per := totalSize / int64(n)
	chunks := make([]*chunk, n)
	for i := 0; i < n; i++ {
		start := int64(i) * per
		size := per
		if i == n-1 {
			size = totalSize - start
		}
		c := &chunk{
			index:    i,
			start:    start,
			size:     size,
			partPath: fmt.Sprintf("%s.part%d", dest, i),
		}
		if fi, err := os.Stat(c.partPath); err == nil {
			got := fi.Size()
			if got > size {
				// A stale part from a different plan; start the chunk over.
				os.Remove(c.partPath)
			} else {
				c.resumed = got
			}
		}
		chunks[i] = c
	}
	return chunks
}

// transferChunks drives the worker pool until every chunk is complete or
// one fails past its retry budget.
func (e *Engine) transferChunks(ctx context.Context, rawURL string, chunks []*chunk, window *task.SpeedWindow, tick func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *chunk)
	errCh := make(chan error, 1)

	var wg sync.WaitGroup
	workers := e.opts.ParallelChunks
	if workers > len(chunks) {
		workers = len(chunks)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					return
				}
				if err := e.downloadChunk(ctx, rawURL, c, window, tick); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	for _, c := range chunks {
		if c.resumed >= c.size {
			continue // chunk finished in a previous run
		}
		select {
		case jobs <- c:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	return ctx.Err()
}

// downloadChunk streams one ranged GET into the chunk's part file,
// retrying with backoff. Partial bytes written before a failure stay on
// disk and shrink the next attempt's range.
func (e *Engine) downloadChunk(ctx context.Context, rawURL string, c *chunk, window *task.SpeedWindow, tick func()) error {
	cfg := httpx.Config{
		MaxAttempts:  e.opts.ChunkRetries,
		InitialDelay: constants.APIRetryWaitMin,
		MaxDelay:     constants.APIRetryWaitMax,
		OnRetry: func(attempt int, err error) {
			e.log.Warn().Err(err).Int("chunk", c.index).Int("attempt", attempt).Msg("download: chunk retry")
		},
	}

	err := httpx.ExecuteWithRetry(ctx, cfg, func() error {
		return e.fetchRange(ctx, rawURL, c, window, tick)
	})
	if err != nil {
		return fmt.Errorf("chunk %d failed: %w", c.index, err)
	}
	return nil
}

func (e *Engine) fetchRange(ctx context.Context, rawURL string, c *chunk, window *task.SpeedWindow, tick func()) error {
	done := c.resumed
	if done >= c.size {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", c.start+done, c.start+c.size-1))

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &httpx.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	part, err := os.OpenFile(c.partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer part.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := part.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			c.resumed += int64(n)
			window.Add(int64(n))
			tick()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if c.resumed < c.size {
		return fmt.Errorf("range ended early: %d of %d bytes", c.resumed, c.size)
	}
	return nil
}

// assemble concatenates part0..partN-1 into dest, unlinking each part,
// and verifies the final size.
func (e *Engine) assemble(dest string, chunks []*chunk, totalSize int64) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	for _, c := range chunks {
		part, err := os.Open(c.partPath)
		if err != nil {
			return fmt.Errorf("missing part %d: %w", c.index, err)
		}
		_, err = io.Copy(out, part)
		part.Close()
		if err != nil {
			return fmt.Errorf("failed to append part %d: %w", c.index, err)
		}
		os.Remove(c.partPath)
	}

	fi, err := out.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != totalSize {
		return fmt.Errorf("size mismatch: expected %d bytes, assembled %d", totalSize, fi.Size())
	}
	return nil
}

// fileNameFromURL picks a destination name from the URL path.
func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || path.Base(u.Path) == "." || path.Base(u.Path) == "/" {
		return "source"
	}
	return path.Base(u.Path)
}

// throttle rate-limits progress callbacks.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newThrottle(interval time.Duration) *throttle {
	return &throttle{interval: interval}
}

// Allow reports whether enough time has passed since the last permitted
// call.
func (t *throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
