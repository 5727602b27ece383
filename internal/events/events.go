// Package events carries pipeline signals from the queue and the stage
// processors to the runner's consumers (the foreground dashboard,
// tests).
//
// The topology is fixed and small: a handful of producers, at most a
// couple of taps. That permits a delivery contract sized to what the
// pipeline needs instead of a general-purpose bus: lifecycle events
// (queued, stage boundaries, terminal transitions) arrive in order and
// intact, while progress is latest-wins per (task, stage) — a dashboard
// only ever paints the newest reading, so stale updates coalesce in
// place rather than queueing behind one another.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventTaskQueued    EventType = "task_queued"    // Task accepted into the download queue
	EventStageStarted  EventType = "stage_started"  // A processor began driving a task
	EventStageProgress EventType = "stage_progress" // Byte/frame progress within a stage
	EventStageComplete EventType = "stage_complete" // Stage finished, task ready for the next queue
	EventTaskComplete  EventType = "task_complete"  // Terminal success
	EventTaskFailed    EventType = "task_failed"    // Terminal failure
	EventQueueUpdated  EventType = "queue_updated"  // Waiting/in-flight counts changed
)

// Stage identifies one of the three pipeline stages.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageUpload   Stage = "upload"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// TaskEvent marks a task lifecycle transition (queued, complete, failed).
type TaskEvent struct {
	BaseEvent
	TaskID string
	Stage  Stage // Stage the task was in when the event fired (empty for queued)
	Err    error // Set only for EventTaskFailed
}

// StageEvent marks a stage boundary: a processor started or finished
// driving a task. The runner does not read it: it moves the task into
// the next stage's queue, or to Failed, from the processor's return value.
type StageEvent struct {
	BaseEvent
	TaskID string
	Stage  Stage
	Err    error // Set when the stage failed
}

// StageProgressEvent carries byte/frame progress within one stage.
// Percent is monotonically non-decreasing within a stage.
type StageProgressEvent struct {
	BaseEvent
	TaskID       string
	Stage        Stage
	Percent      float64 // 0..100
	CurrentBytes int64
	TotalBytes   int64
	Speed        float64 // bytes/sec
	ETA          time.Duration
}

// QueueUpdatedEvent carries a snapshot of per-stage queue depths.
type QueueUpdatedEvent struct {
	BaseEvent
	Waiting  map[Stage]int
	InFlight map[Stage]int
}

// lifecycleBuffer bounds a tap's ordered channel. A consumer further
// behind than this has stopped draining and gets detached.
const lifecycleBuffer = 64

// progressKey identifies one bar's worth of progress.
type progressKey struct {
	taskID string
	stage  Stage
}

// Tap is one consumer's view of the pipeline.
//
// Lifecycle events arrive on Lifecycle in publish order; the channel
// closes when the bus shuts down or the tap falls too far behind.
// Progress arrives out of band: Wake signals that fresh readings exist,
// DrainProgress hands over the newest one per (task, stage).
type Tap struct {
	Lifecycle <-chan Event

	lifecycle chan Event
	lmu       sync.Mutex
	detached  bool

	pmu       sync.Mutex
	latest    map[progressKey]StageProgressEvent
	wake      chan struct{}
	coalesced atomic.Int64
}

// Wake signals pending progress readings. Receive, then DrainProgress.
func (t *Tap) Wake() <-chan struct{} {
	return t.wake
}

// DrainProgress returns the newest reading per (task, stage) observed
// since the last drain, and clears them.
func (t *Tap) DrainProgress() []StageProgressEvent {
	t.pmu.Lock()
	defer t.pmu.Unlock()

	out := make([]StageProgressEvent, 0, len(t.latest))
	for _, ev := range t.latest {
		out = append(out, ev)
	}
	clear(t.latest)
	return out
}

// Coalesced reports how many progress readings were superseded before a
// drain collected them. A high number just means the producer outpaces
// the consumer's paint rate, which is expected.
func (t *Tap) Coalesced() int64 {
	return t.coalesced.Load()
}

func (t *Tap) offerLifecycle(ev Event) {
	t.lmu.Lock()
	defer t.lmu.Unlock()

	if t.detached {
		return
	}
	select {
	case t.lifecycle <- ev:
	default:
		// The consumer stopped draining; cut it loose so producers
		// never stall on a dead dashboard.
		t.detached = true
		close(t.lifecycle)
	}
}

func (t *Tap) offerProgress(ev *StageProgressEvent) {
	t.lmu.Lock()
	dead := t.detached
	t.lmu.Unlock()
	if dead {
		return
	}

	key := progressKey{taskID: ev.TaskID, stage: ev.Stage}
	t.pmu.Lock()
	if _, seen := t.latest[key]; seen {
		t.coalesced.Add(1)
	}
	t.latest[key] = *ev
	t.pmu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tap) shutdown() {
	t.lmu.Lock()
	defer t.lmu.Unlock()
	if !t.detached {
		t.detached = true
		close(t.lifecycle)
	}
}

// Bus fans pipeline events out to the registered taps.
type Bus struct {
	mu     sync.Mutex
	taps   []*Tap
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Tap registers a consumer. Tapping a closed bus yields a tap whose
// Lifecycle channel is already closed.
func (b *Bus) Tap() *Tap {
	t := &Tap{
		lifecycle: make(chan Event, lifecycleBuffer),
		latest:    make(map[progressKey]StageProgressEvent),
		wake:      make(chan struct{}, 1),
	}
	t.Lifecycle = t.lifecycle

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		t.detached = true
		close(t.lifecycle)
		return t
	}
	b.taps = append(b.taps, t)
	return t
}

// Publish routes an event to every tap. Never blocks: progress
// coalesces, and a tap that stopped draining lifecycle events is
// detached.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	taps := b.taps
	b.mu.Unlock()

	if p, ok := ev.(*StageProgressEvent); ok {
		for _, t := range taps {
			t.offerProgress(p)
		}
		return
	}
	for _, t := range taps {
		t.offerLifecycle(ev)
	}
}

// Close shuts the bus down and closes every tap's lifecycle channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	taps := b.taps
	b.taps = nil
	b.mu.Unlock()

	for _, t := range taps {
		t.shutdown()
	}
}

// PublishStage is a convenience method for stage boundary events.
func (b *Bus) PublishStage(eventType EventType, taskID string, stage Stage, err error) {
	b.Publish(&StageEvent{
		BaseEvent: BaseEvent{EventType: eventType, Time: time.Now()},
		TaskID:    taskID,
		Stage:     stage,
		Err:       err,
	})
}

// PublishStageProgress is a convenience method for progress events.
func (b *Bus) PublishStageProgress(taskID string, stage Stage, percent float64, current, total int64, speed float64, eta time.Duration) {
	b.Publish(&StageProgressEvent{
		BaseEvent:    BaseEvent{EventType: EventStageProgress, Time: time.Now()},
		TaskID:       taskID,
		Stage:        stage,
		Percent:      percent,
		CurrentBytes: current,
		TotalBytes:   total,
		Speed:        speed,
		ETA:          eta,
	})
}
