package constants

import (
	"time"
)

// Download engine
const (
	// DownloadChunkSize - size of each ranged download chunk (5 MB)
	//
	// Trade-offs:
	// - Smaller chunks = more HTTP requests but finer resume granularity
	// - Larger chunks = better throughput but coarser progress updates
	DownloadChunkSize = 5 * 1024 * 1024

	// MinDownloadChunks - lower bound for the chunk plan
	MinDownloadChunks = 1

	// MaxDownloadChunks - upper bound for the chunk plan
	// Beyond this, per-part bookkeeping costs more than the parallelism buys.
	MaxDownloadChunks = 32

	// MaxParallelChunks - maximum chunks transferred at once per download (8)
	// This is internal downloader concurrency and does not count against
	// stage capacity.
	MaxParallelChunks = 8

	// ChunkMaxRetries - attempts per chunk before the download fails
	ChunkMaxRetries = 5
)

// Upload engine
const (
	// MultipartThreshold - files larger than this use multipart upload (10 MB)
	MultipartThreshold = 10 * 1024 * 1024

	// UploadPartSize - size of each multipart upload part (5 MB)
	// Also the S3 minimum part size (except the last part).
	UploadPartSize = 5 * 1024 * 1024

	// PresignValidity - lifetime of the result's presigned URL (7 days)
	PresignValidity = 7 * 24 * time.Hour
)

// Transcoder
const (
	// MaxOutputFileSize - bitrate solver ceiling on the output size (3.8 GB)
	MaxOutputFileSize = 3891 * 1024 * 1024

	// AudioBitrateBudgetKbps - audio bitrate reserved by the bitrate solver
	AudioBitrateBudgetKbps = 192

	// AudioBitrateKbps - audio bitrate actually encoded
	AudioBitrateKbps = 128

	// MinVideoBitrateKbps - floor for the solved video bitrate
	MinVideoBitrateKbps = 100

	// MaxVideoBitrateKbps - ceiling for the solved video bitrate
	MaxVideoBitrateKbps = 8000

	// MaxRateFactor - VBV maxrate relative to target bitrate
	MaxRateFactor = 1.5

	// BufSizeFactor - VBV buffer size relative to target bitrate
	BufSizeFactor = 2.0

	// StderrTailLines - lines of encoder stderr attached to a convert error
	StderrTailLines = 30
)

// Retry configuration (control-plane calls)
const (
	// APIMaxRetries - retry attempts for state and other calls
	APIMaxRetries = 3

	// APIRetryWaitMin - initial delay before first retry
	APIRetryWaitMin = 1 * time.Second

	// APIRetryWaitMax - exponential backoff cap
	APIRetryWaitMax = 30 * time.Second

	// APIRequestTimeout - per-attempt timeout for control-plane calls
	APIRequestTimeout = 30 * time.Second
)

// Runner loops
const (
	// HeartbeatInterval - liveness + telemetry report period
	HeartbeatInterval = 20 * time.Second

	// PollInterval - task acquisition period
	PollInterval = 5 * time.Second

	// DispatchInterval - stage queue drain period
	DispatchInterval = 500 * time.Millisecond
)

// Stage capacities (defaults; each stage runs at most this many tasks)
const (
	DefaultDownloadSlots = 1
	DefaultConvertSlots  = 1
	DefaultUploadSlots   = 1
)

// Progress reporting
const (
	// ProgressMinInterval - minimum time between progress callbacks (1s)
	// Terminal transitions always fire regardless.
	ProgressMinInterval = 1 * time.Second

	// SpeedWindowSeconds - rolling window for current-speed calculation
	SpeedWindowSeconds = 5
)

// System probe
const (
	// GPUProbeTimeout - budget for the vendor tool GPU query
	GPUProbeTimeout = 5 * time.Second
)

// Scratch layout
const (
	// ScratchDirName - directory under the system temp root holding all
	// per-task workspaces
	ScratchDirName = "videoconverter"
)
