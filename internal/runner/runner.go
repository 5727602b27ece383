// Package runner ties the pipeline together: registration, heartbeats,
// task acquisition, dispatch into the stage processors, and terminal
// reporting.
//
// The runner is the single writer of the queue, and it creates and
// deletes carry entries. Stage processors publish events, record their
// artifact paths in the task's carry entry, and return errors; every
// mutation that moves a task between stages happens here.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinnato/vcrunner/internal/api"
	"github.com/kinnato/vcrunner/internal/config"
	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/downloader"
	"github.com/kinnato/vcrunner/internal/events"
	"github.com/kinnato/vcrunner/internal/httpx"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/sysinfo"
	"github.com/kinnato/vcrunner/internal/task"
	"github.com/kinnato/vcrunner/internal/transcoder"
	"github.com/kinnato/vcrunner/internal/uploader"
	"github.com/kinnato/vcrunner/internal/workspace"
)

// Runner owns the worker lifecycle.
type Runner struct {
	cfg       *config.Config
	client    *api.Client
	prober    *sysinfo.Prober
	workspace *workspace.Manager
	queue     *task.MultiQueue
	carry     *task.CarryStore
	bus       *events.Bus
	log       *logging.Logger

	identity     *config.Identity
	identityPath string
	encoder      sysinfo.Encoder

	processors map[events.Stage]*task.Processor

	credsMu sync.Mutex
	creds   *uploader.Credentials

	wg sync.WaitGroup
}

// New assembles a runner from configuration.
func New(cfg *config.Config, log *logging.Logger) *Runner {
	bus := events.NewBus()
	ws := workspace.NewManager()

	return &Runner{
		cfg:       cfg,
		client:    api.NewClient(cfg.BaseURL, cfg.BootstrapToken, log),
		prober:    sysinfo.NewProber(ws.Root(), log),
		workspace: ws,
		queue: task.NewMultiQueue(task.StageCaps{
			Download: constants.DefaultDownloadSlots,
			Convert:  constants.DefaultConvertSlots,
			Upload:   constants.DefaultUploadSlots,
		}, bus),
		carry:        task.NewCarryStore(),
		bus:          bus,
		log:          log,
		identityPath: config.IdentityPath(),
	}
}

// Bus exposes the event bus for the foreground progress display.
func (r *Runner) Bus() *events.Bus {
	return r.bus
}

// Run executes the full lifecycle until ctx is cancelled. Registration
// failure is fatal; everything after degrades and retries.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.workspace.EnsureRoot(); err != nil {
		return task.NewError(task.CodeConfigError, err)
	}

	// Object-store credentials are a soft dependency at startup: the
	// first upload refetches when this fails.
	if creds, err := r.client.StorageCredentials(ctx); err != nil {
		r.log.Warn().Err(err).Msg("runner: object store credentials unavailable, will retry on first upload")
	} else {
		r.setCreds(creds)
	}

	if err := r.register(ctx); err != nil {
		return err
	}

	env := &task.Env{
		Carry:      r.carry,
		Workspace:  r.workspace,
		Downloader: downloader.NewEngine(httpx.NewClient(), downloader.DefaultOptions(), r.log),
		Transcoder: transcoder.NewDriver(r.encoder, r.log),
		Uploader:   r,
		Notifier:   r,
		Bus:        r.bus,
	}
	r.processors = map[events.Stage]*task.Processor{
		events.StageDownload: task.NewProcessor(events.StageDownload, env),
		events.StageConvert:  task.NewProcessor(events.StageConvert, env),
		events.StageUpload:   task.NewProcessor(events.StageUpload, env),
	}

	r.wg.Add(3)
	go r.heartbeatLoop(ctx)
	go r.pollLoop(ctx)
	go r.dispatchLoop(ctx)

	<-ctx.Done()
	r.wg.Wait()
	r.log.Info().Msg("runner: stopped, in-flight tasks abandoned for reassignment")
	return nil
}

// register loads or provisions the machine identity and announces it.
// Blocking; a refusal here is fatal.
func (r *Runner) register(ctx context.Context) error {
	identity, err := config.LoadIdentity(r.identityPath)
	if err != nil {
		return task.NewError(task.CodeConfigError, err)
	}

	if identity == nil {
		if r.cfg.BootstrapToken == "" {
			return task.NewError(task.CodeConfigError, config.ErrMissingToken)
		}
		identity = &config.Identity{
			ID:    uuid.NewString(),
			Token: r.cfg.BootstrapToken,
			Name:  r.cfg.Hostname,
		}
	}
	r.client.SetToken(identity.Token)

	info, encoder := r.prober.Probe(ctx)
	r.encoder = encoder
	if string(encoder) != string(r.cfg.EncoderHint) {
		r.log.Info().
			Str("hint", string(r.cfg.EncoderHint)).
			Str("probed", string(encoder)).
			Msg("runner: probe overrides encoder hint")
	}

	remote, err := r.client.Online(ctx, api.Machine{
		ID:         identity.ID,
		Name:       identity.Name,
		DeviceInfo: info,
		Encoder:    string(encoder),
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	// The control plane may reissue identity; persist whatever it
	// answered so the next start re-registers as the same machine.
	if remote.ID != "" && remote.ID != identity.ID {
		identity.ID = remote.ID
	}
	if remote.Token != "" && remote.Token != identity.Token {
		identity.Token = remote.Token
		r.client.SetToken(identity.Token)
	}
	if err := config.SaveIdentity(r.identityPath, identity); err != nil {
		return task.NewError(task.CodeConfigError, err)
	}
	r.identity = identity

	r.log.Info().Str("machineId", identity.ID).Str("encoder", string(encoder)).Msg("runner: registered")
	return nil
}

// heartbeatLoop reports telemetry on a fixed interval, independent of
// work. Failures never stop the runner.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(constants.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, encoder := r.prober.Probe(ctx)
			if _, err := r.client.Heartbeat(ctx, info, string(encoder)); err != nil {
				r.log.Warn().Err(err).Msg("runner: heartbeat failed")
			}
		}
	}
}

// pollLoop acquires tasks while the download stage has room.
func (r *Runner) pollLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(constants.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce fetches, binds, and enqueues at most one task.
func (r *Runner) pollOnce(ctx context.Context) {
	if !r.queue.HasDownloadCapacity() {
		return
	}

	remote, err := r.client.GetTask(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("runner: task poll failed")
		return
	}
	if remote == nil {
		return
	}
	if remote.Status != string(task.StatusWaiting) {
		// Raced with another runner or an operator pause; leave it.
		r.log.Debug().Str("taskId", remote.ID).Str("status", remote.Status).Msg("runner: skipping non-waiting task")
		return
	}

	bound, err := r.client.Start(ctx, remote.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("taskId", remote.ID).Msg("runner: bind failed")
		return
	}
	if !bound {
		// Lost the bind race; the next poll is unaffected.
		r.log.Debug().Str("taskId", remote.ID).Msg("runner: task bound elsewhere")
		return
	}

	t := adaptRemoteTask(remote)
	r.carry.Create(t.ID)
	if err := r.queue.Add(t); err != nil {
		r.carry.Delete(t.ID)
		r.log.Warn().Err(err).Str("taskId", t.ID).Msg("runner: could not enqueue task")
		return
	}
	r.log.Info().Str("taskId", t.ID).Int("priority", t.Priority).Msg("runner: task accepted")
}

// adaptRemoteTask converts the control plane's task shape into the
// local entity, filling default convert params.
func adaptRemoteTask(remote *api.RemoteTask) *task.Task {
	params := task.DefaultConvertParams()
	if rp := remote.ConvertParams; rp != nil {
		if rp.VideoCodec != "" {
			params.VideoCodec = rp.VideoCodec
		}
		if rp.AudioCodec != "" {
			params.AudioCodec = rp.AudioCodec
		}
		if rp.Preset != "" {
			params.Preset = rp.Preset
		}
		if rp.Resolution != "" {
			params.Resolution = rp.Resolution
		}
	}
	return task.New(remote.ID, remote.Source, remote.Priority, params)
}

// dispatchLoop drains the three stage queues. Each stage drives at most
// its capacity concurrently; the queue refuses pops beyond that.
func (r *Runner) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(constants.DispatchInterval)
	defer ticker.Stop()

	var stageWG sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			stageWG.Wait()
			return
		case <-ticker.C:
			if t := r.queue.NextDownload(); t != nil {
				stageWG.Add(1)
				go r.drive(ctx, &stageWG, events.StageDownload, t)
			}
			if t := r.queue.NextConvert(); t != nil {
				stageWG.Add(1)
				go r.drive(ctx, &stageWG, events.StageConvert, t)
			}
			if t := r.queue.NextUpload(); t != nil {
				stageWG.Add(1)
				go r.drive(ctx, &stageWG, events.StageUpload, t)
			}
		}
	}
}

// drive runs one stage processor for one task and applies the queue and
// carry transitions its outcome demands. This is the single-writer
// path: only drive (and pollOnce) mutate pipeline state.
func (r *Runner) drive(ctx context.Context, wg *sync.WaitGroup, stage events.Stage, t *task.Task) {
	defer wg.Done()

	proc := r.processors[stage]
	err := proc.Process(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: abandon the task; the control plane reassigns it.
			return
		}
		te := task.AsTaskError(err)
		r.log.Error().Err(te).Str("taskId", t.ID).Str("stage", string(stage)).Msg("runner: stage failed")

		if failErr := proc.ProcessFailed(ctx, t, te); failErr != nil {
			r.log.Error().Err(failErr).Str("taskId", t.ID).Msg("runner: failure report incomplete")
		}
		r.queue.Fail(t.ID, stage, te)
		r.carry.Delete(t.ID)
		return
	}

	switch stage {
	case events.StageDownload:
		if err := r.queue.CompleteDownload(t); err != nil {
			r.log.Error().Err(err).Str("taskId", t.ID).Msg("runner: download transition rejected")
		}
	case events.StageConvert:
		if err := r.queue.CompleteConvert(t); err != nil {
			r.log.Error().Err(err).Str("taskId", t.ID).Msg("runner: convert transition rejected")
		}
	case events.StageUpload:
		if err := r.queue.CompleteUpload(t); err != nil {
			r.log.Error().Err(err).Str("taskId", t.ID).Msg("runner: upload transition rejected")
		}
		r.carry.Delete(t.ID)
		r.log.Info().Str("taskId", t.ID).Msg("runner: task finished")
	}
}

// --- task.Notifier implementation -----------------------------------

// DownloadComplete posts the required stage marker.
func (r *Runner) DownloadComplete(ctx context.Context, taskID, downloadedFilePath string) error {
	return r.client.DownloadComplete(ctx, taskID, downloadedFilePath)
}

// ReportDownload posts a progress tick; loss is acceptable.
func (r *Runner) ReportDownload(ctx context.Context, taskID string, info task.DownloadInfo) {
	if err := r.client.ReportDownload(ctx, taskID, info); err != nil {
		r.log.Warn().Err(err).Str("taskId", taskID).Msg("runner: download progress dropped")
	}
}

// ReportConvert posts a progress tick; loss is acceptable.
func (r *Runner) ReportConvert(ctx context.Context, taskID string, info task.ConvertInfo) {
	if err := r.client.ReportConvert(ctx, taskID, info); err != nil {
		r.log.Warn().Err(err).Str("taskId", taskID).Msg("runner: convert progress dropped")
	}
}

// ReportUpload posts a progress tick; loss is acceptable.
func (r *Runner) ReportUpload(ctx context.Context, taskID string, info task.UploadInfo) {
	if err := r.client.ReportUpload(ctx, taskID, info); err != nil {
		r.log.Warn().Err(err).Str("taskId", taskID).Msg("runner: upload progress dropped")
	}
}

// Complete reports terminal success.
func (r *Runner) Complete(ctx context.Context, taskID string, result task.Result, path string) error {
	return r.client.Complete(ctx, taskID, api.TaskResult{Status: result.Status, Path: path})
}

// Fail reports terminal failure.
func (r *Runner) Fail(ctx context.Context, taskID string, taskErr *task.Error) error {
	return r.client.Fail(ctx, taskID, api.TaskFailure{
		Message:   taskErr.Message,
		Code:      taskErr.Code,
		Command:   taskErr.Command,
		Path:      taskErr.Path,
		TempFiles: taskErr.TempFiles,
	})
}

// --- task.Uploader implementation -----------------------------------

// Upload builds an ObjectStore from the cached credentials and stores
// the file. An auth-shaped failure refreshes the credentials once and
// retries.
func (r *Runner) Upload(ctx context.Context, localPath, objectKey string, metadata map[string]string, onProgress func(task.UploadInfo)) (task.UploadInfo, error) {
	creds, err := r.currentCreds(ctx, false)
	if err != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}

	store, err := uploader.New(ctx, *creds, r.log)
	if err != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}

	info, err := store.Upload(ctx, localPath, objectKey, metadata, onProgress)
	if err == nil || !isAuthError(err) {
		return info, err
	}

	r.log.Warn().Err(err).Msg("runner: upload rejected, refreshing object store credentials")
	creds, refreshErr := r.currentCreds(ctx, true)
	if refreshErr != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, refreshErr)
	}
	store, err = uploader.New(ctx, *creds, r.log)
	if err != nil {
		return task.UploadInfo{}, task.NewError(task.CodeUploadError, err)
	}
	return store.Upload(ctx, localPath, objectKey, metadata, onProgress)
}

// currentCreds returns the cached credentials, fetching when absent or
// when refresh is forced.
func (r *Runner) currentCreds(ctx context.Context, refresh bool) (*uploader.Credentials, error) {
	r.credsMu.Lock()
	cached := r.creds
	r.credsMu.Unlock()

	if cached != nil && !refresh {
		return cached, nil
	}

	remote, err := r.client.StorageCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("object store credentials unavailable: %w", err)
	}
	return r.setCreds(remote), nil
}

func (r *Runner) setCreds(remote *api.StorageCredentials) *uploader.Credentials {
	creds := &uploader.Credentials{
		Endpoint:  remote.Endpoint,
		AccessKey: remote.AccessKey,
		SecretKey: remote.SecretKey,
		Bucket:    remote.Bucket,
	}
	r.credsMu.Lock()
	r.creds = creds
	r.credsMu.Unlock()
	return creds
}

// isAuthError recognizes credential-shaped upload failures worth one
// refresh-and-retry.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "accessdenied") ||
		strings.Contains(msg, "invalidaccesskeyid") ||
		strings.Contains(msg, "signaturedoesnotmatch") ||
		strings.Contains(msg, "403")
}
