package task

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kinnato/vcrunner/internal/events"
)

// Downloader fetches a source URL into destDir and returns the path of
// the downloaded file.
type Downloader interface {
	Download(ctx context.Context, url, destDir string, onProgress func(DownloadInfo)) (string, error)
}

// ConvertResult summarizes a finished transcode. BitrateKbps is the
// achieved average bitrate measured from the output, not the solver's
// target.
type ConvertResult struct {
	DurationMs  int64
	BitrateKbps int
}

// Transcoder re-encodes input into output with the given params.
type Transcoder interface {
	Transcode(ctx context.Context, input, output string, params ConvertParams, onProgress func(ConvertInfo)) (ConvertResult, error)
}

// Uploader stores a local file under objectKey and returns the final
// upload record including the presigned target URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string, onProgress func(UploadInfo)) (UploadInfo, error)
}

// Workspace manages per-task scratch space.
type Workspace interface {
	// TaskDir creates (if needed) and returns the task's scratch dir.
	TaskDir(taskID string) (string, error)
	// ConvertedPath returns the transcode output path for the task.
	ConvertedPath(taskID string) string
	// CleanupTask removes the scratch dir and the converted file.
	CleanupTask(taskID string) error
}

// Notifier reports stage markers, progress ticks, and terminal states to
// the control plane. Progress methods are fire-and-forget: the
// implementation logs failures and never propagates them.
type Notifier interface {
	DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error
	ReportDownload(ctx context.Context, taskID string, info DownloadInfo)
	ReportConvert(ctx context.Context, taskID string, info ConvertInfo)
	ReportUpload(ctx context.Context, taskID string, info UploadInfo)
	Complete(ctx context.Context, taskID string, result Result, path string) error
	Fail(ctx context.Context, taskID string, taskErr *Error) error
}

// Env bundles everything a state needs to drive its stage.
type Env struct {
	Carry      *CarryStore
	Workspace  Workspace
	Downloader Downloader
	Transcoder Transcoder
	Uploader   Uploader
	Notifier   Notifier
	Bus        *events.Bus
}

// State is one node of the per-task state machine. Process drives the
// task and returns the next state to run immediately, or nil to yield
// the task back to the queue (stage boundary or terminal).
type State interface {
	Name() Status
	Process(ctx context.Context, t *Task, env *Env) (State, error)
}

// waitingState transitions synchronously into downloading.
type waitingState struct{}

func (waitingState) Name() Status { return StatusWaiting }

func (waitingState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	return downloadingState{}, nil
}

// downloadingState fetches the source into the task's scratch dir.
type downloadingState struct{}

func (downloadingState) Name() Status { return StatusDownloading }

func (downloadingState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	t.SetStatus(StatusDownloading)

	dir, err := env.Workspace.TaskDir(t.ID)
	if err != nil {
		return nil, NewError(CodeDownloadError, err)
	}

	path, err := env.Downloader.Download(ctx, t.Source, dir, func(info DownloadInfo) {
		t.UpdateDownloadInfo(info)
		env.Notifier.ReportDownload(ctx, t.ID, info)
		env.Bus.PublishStageProgress(t.ID, events.StageDownload, info.Progress,
			info.CurrentSize, info.TotalSize, info.CurrentSpeed, time.Duration(info.ETASeconds)*time.Second)
	})
	if err != nil {
		return nil, AsTaskError(err)
	}

	env.Carry.SetDownloadedPath(t.ID, path)

	if err := env.Notifier.DownloadComplete(ctx, t.ID, path); err != nil {
		return nil, NewError(CodeDownloadError, fmt.Errorf("download complete marker rejected: %w", err))
	}

	return nil, nil // stage boundary: the queue schedules converting
}

// convertingState re-encodes the downloaded file.
type convertingState struct{}

func (convertingState) Name() Status { return StatusConverting }

func (convertingState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	t.SetStatus(StatusConverting)

	entry, ok := env.Carry.Get(t.ID)
	if !ok || entry.DownloadedFilePath == "" {
		return nil, NewError(CodeConvertError, fmt.Errorf("no downloaded file recorded for task %s", t.ID))
	}

	output := env.Workspace.ConvertedPath(t.ID)
	_, err := env.Transcoder.Transcode(ctx, entry.DownloadedFilePath, output, t.Params, func(info ConvertInfo) {
		t.UpdateConvertInfo(info)
		env.Notifier.ReportConvert(ctx, t.ID, info)
		env.Bus.PublishStageProgress(t.ID, events.StageConvert, info.Progress,
			info.CurrentSize, info.TotalSize, info.CurrentSpeed, time.Duration(info.ETASeconds)*time.Second)
	})
	if err != nil {
		return nil, AsTaskError(err)
	}

	env.Carry.SetConvertedPath(t.ID, output)

	return nil, nil // stage boundary: the queue schedules uploading
}

// uploadingState stores the converted file and drives straight into
// completion.
type uploadingState struct{}

func (uploadingState) Name() Status { return StatusUploading }

func (uploadingState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	t.SetStatus(StatusUploading)

	entry, ok := env.Carry.Get(t.ID)
	if !ok || entry.ConvertedFilePath == "" {
		return nil, NewError(CodeUploadError, fmt.Errorf("no converted file recorded for task %s", t.ID))
	}

	convertInfo := t.ConvertInfo()
	metadata := map[string]string{
		"taskId":    t.ID,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
		"duration":  strconv.FormatInt(convertInfo.TotalSize, 10),
		"bitrate":   strconv.FormatFloat(convertInfo.CurrentBitrate, 'f', 0, 64),
	}
	if fi, err := os.Stat(entry.ConvertedFilePath); err == nil {
		metadata["size"] = strconv.FormatInt(fi.Size(), 10)
	}
	if convertInfo.Resolution != nil {
		metadata["width"] = strconv.Itoa(convertInfo.Resolution.Width)
		metadata["height"] = strconv.Itoa(convertInfo.Resolution.Height)
	}

	info, err := env.Uploader.Upload(ctx, entry.ConvertedFilePath, t.ID+".mp4", metadata, func(info UploadInfo) {
		t.UpdateUploadInfo(info)
		env.Notifier.ReportUpload(ctx, t.ID, info)
		env.Bus.PublishStageProgress(t.ID, events.StageUpload, info.Progress,
			info.CurrentSize, info.TotalSize, info.CurrentSpeed, time.Duration(info.ETASeconds)*time.Second)
	})
	if err != nil {
		return nil, AsTaskError(err)
	}

	t.UpdateUploadInfo(info)

	return completeState{}, nil
}

// completeState reports terminal success and disposes local state.
type completeState struct{}

func (completeState) Name() Status { return StatusFinished }

func (completeState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	result := Result{
		TotalDurationMs: time.Since(t.AcceptedAt()).Milliseconds(),
		Status:          "success",
	}
	if source := t.DownloadInfo().FileSize; source > 0 {
		result.CompressionRatio = float64(t.UploadInfo().TotalSize) / float64(source)
	}
	t.SetResult(result)

	if err := env.Notifier.Complete(ctx, t.ID, result, t.UploadInfo().TargetURL); err != nil {
		return nil, NewError(CodeUploadError, fmt.Errorf("completion rejected: %w", err))
	}

	// The task already succeeded; stale scratch must not fail it.
	_ = env.Workspace.CleanupTask(t.ID)

	return nil, nil
}

// failedState reports terminal failure and disposes local state.
type failedState struct {
	err *Error
}

// NewFailedState wraps a fault for terminal processing.
func NewFailedState(err *Error) State {
	return failedState{err: err}
}

func (failedState) Name() Status { return StatusFailed }

func (s failedState) Process(ctx context.Context, t *Task, env *Env) (State, error) {
	t.SetError(s.err)

	if err := env.Notifier.Fail(ctx, t.ID, s.err); err != nil {
		return nil, fmt.Errorf("failure report rejected: %w", err)
	}

	if err := env.Workspace.CleanupTask(t.ID); err != nil {
		return nil, fmt.Errorf("scratch cleanup failed: %w", err)
	}

	return nil, nil
}

// Processor drives one stage's states for a task. Each stage owns one
// processor instance; starting it enters directly at that stage's entry
// state.
type Processor struct {
	stage events.Stage
	env   *Env
}

// NewProcessor creates a processor for the given stage.
func NewProcessor(stage events.Stage, env *Env) *Processor {
	return &Processor{stage: stage, env: env}
}

// Stage returns the stage this processor drives.
func (p *Processor) Stage() events.Stage {
	return p.stage
}

func (p *Processor) entryState() State {
	switch p.stage {
	case events.StageDownload:
		return waitingState{}
	case events.StageConvert:
		return convertingState{}
	case events.StageUpload:
		return uploadingState{}
	}
	return nil
}

// Process drives the task from the stage's entry state until a state
// yields. On failure the task is marked FAILED with its error populated
// and the error is returned for the runner to route into a Failed
// transition.
func (p *Processor) Process(ctx context.Context, t *Task) error {
	p.env.Bus.PublishStage(events.EventStageStarted, t.ID, p.stage, nil)

	st := p.entryState()
	for st != nil {
		next, err := st.Process(ctx, t, p.env)
		if err != nil {
			te := AsTaskError(err)
			p.attachTempFiles(te, t.ID)
			t.SetError(te)
			p.env.Bus.PublishStage(events.EventStageComplete, t.ID, p.stage, te)
			return te
		}
		st = next
	}

	p.env.Bus.PublishStage(events.EventStageComplete, t.ID, p.stage, nil)
	return nil
}

// ProcessFailed runs the terminal failure state for a task on a fresh
// state instance, as the runner does after any stage errors.
func (p *Processor) ProcessFailed(ctx context.Context, t *Task, taskErr *Error) error {
	st := NewFailedState(taskErr)
	_, err := st.Process(ctx, t, p.env)
	return err
}

// attachTempFiles records the artifact paths the fault may have left
// behind.
func (p *Processor) attachTempFiles(te *Error, taskID string) {
	entry, ok := p.env.Carry.Get(taskID)
	if !ok {
		return
	}
	if te.TempFiles == nil {
		te.TempFiles = make(map[string]string)
	}
	if entry.DownloadedFilePath != "" {
		te.TempFiles["downloadPath"] = entry.DownloadedFilePath
	}
	if entry.ConvertedFilePath != "" {
		te.TempFiles["transcodePath"] = entry.ConvertedFilePath
	}
}
