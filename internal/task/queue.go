package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kinnato/vcrunner/internal/events"
)

// StageCaps configures the per-stage in-flight limits.
type StageCaps struct {
	Download int
	Convert  int
	Upload   int
}

// stageQueue is one stage's waiting list plus in-flight set.
type stageQueue struct {
	waiting  []*Task // kept priority-sorted, stable on arrival order
	inFlight map[string]*Task
	cap      int
	arrival  map[string]uint64 // insertion sequence for the stable tie-break
}

func newStageQueue(cap int) *stageQueue {
	if cap < 1 {
		cap = 1
	}
	return &stageQueue{
		inFlight: make(map[string]*Task),
		cap:      cap,
		arrival:  make(map[string]uint64),
	}
}

func (q *stageQueue) contains(taskID string) bool {
	if _, ok := q.inFlight[taskID]; ok {
		return true
	}
	for _, t := range q.waiting {
		if t.ID == taskID {
			return true
		}
	}
	return false
}

// MultiQueue holds the three stage queues. Higher priority pops first;
// equal priorities pop in arrival order. A task id lives in at most one
// stage at a time; terminal tasks never re-enter.
type MultiQueue struct {
	mu       sync.Mutex
	download *stageQueue
	convert  *stageQueue
	upload   *stageQueue
	terminal map[string]struct{}
	seq      uint64
	bus      *events.Bus
}

// NewMultiQueue creates the queue with the given caps and event bus.
func NewMultiQueue(caps StageCaps, bus *events.Bus) *MultiQueue {
	return &MultiQueue{
		download: newStageQueue(caps.Download),
		convert:  newStageQueue(caps.Convert),
		upload:   newStageQueue(caps.Upload),
		terminal: make(map[string]struct{}),
		bus:      bus,
	}
}

func (m *MultiQueue) stage(s events.Stage) *stageQueue {
	switch s {
	case events.StageDownload:
		return m.download
	case events.StageConvert:
		return m.convert
	case events.StageUpload:
		return m.upload
	}
	return nil
}

// Add inserts a task into the download queue. Rejects ids already
// present in any stage or already terminal; the second Add of the same
// task leaves the queue unchanged.
func (m *MultiQueue) Add(t *Task) error {
	m.mu.Lock()

	if _, done := m.terminal[t.ID]; done {
		m.mu.Unlock()
		return fmt.Errorf("task %s is terminal", t.ID)
	}
	if m.download.contains(t.ID) || m.convert.contains(t.ID) || m.upload.contains(t.ID) {
		m.mu.Unlock()
		return nil
	}

	m.enqueueLocked(m.download, t)
	m.mu.Unlock()

	m.publishQueued(t)
	m.publishUpdated()
	return nil
}

// enqueueLocked appends to a stage's waiting list keeping it sorted by
// priority descending, arrival ascending.
func (m *MultiQueue) enqueueLocked(q *stageQueue, t *Task) {
	m.seq++
	q.arrival[t.ID] = m.seq
	q.waiting = append(q.waiting, t)
	sort.SliceStable(q.waiting, func(i, j int) bool {
		a, b := q.waiting[i], q.waiting[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return q.arrival[a.ID] < q.arrival[b.ID]
	})
}

// next pops the head of a stage's waiting list when the stage has spare
// capacity; nil otherwise.
func (m *MultiQueue) next(s events.Stage) *Task {
	m.mu.Lock()
	q := m.stage(s)

	if len(q.waiting) == 0 || len(q.inFlight) >= q.cap {
		m.mu.Unlock()
		return nil
	}

	t := q.waiting[0]
	q.waiting = q.waiting[1:]
	delete(q.arrival, t.ID)
	q.inFlight[t.ID] = t
	m.mu.Unlock()

	m.publishUpdated()
	return t
}

// NextDownload pops the next downloadable task, nil when the stage is
// empty or saturated.
func (m *MultiQueue) NextDownload() *Task { return m.next(events.StageDownload) }

// NextConvert pops the next convertible task.
func (m *MultiQueue) NextConvert() *Task { return m.next(events.StageConvert) }

// NextUpload pops the next uploadable task.
func (m *MultiQueue) NextUpload() *Task { return m.next(events.StageUpload) }

// CompleteDownload moves a task from download in-flight to the convert
// waiting list in one step.
func (m *MultiQueue) CompleteDownload(t *Task) error {
	return m.advance(t, m.download, m.convert, events.StageDownload)
}

// CompleteConvert moves a task from convert in-flight to the upload
// waiting list.
func (m *MultiQueue) CompleteConvert(t *Task) error {
	return m.advance(t, m.convert, m.upload, events.StageConvert)
}

func (m *MultiQueue) advance(t *Task, from, to *stageQueue, stage events.Stage) error {
	m.mu.Lock()
	if _, ok := from.inFlight[t.ID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s is not in-flight in %s", t.ID, stage)
	}
	delete(from.inFlight, t.ID)
	m.enqueueLocked(to, t)
	m.mu.Unlock()

	m.publishUpdated()
	return nil
}

// CompleteUpload removes a task from upload in-flight and marks it
// terminal.
func (m *MultiQueue) CompleteUpload(t *Task) error {
	m.mu.Lock()
	if _, ok := m.upload.inFlight[t.ID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s is not in-flight in upload", t.ID)
	}
	delete(m.upload.inFlight, t.ID)
	m.terminal[t.ID] = struct{}{}
	m.mu.Unlock()

	m.bus.Publish(&events.TaskEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTaskComplete, Time: time.Now()},
		TaskID:    t.ID,
		Stage:     events.StageUpload,
	})
	m.publishUpdated()
	return nil
}

// Fail removes a task from the named stage's in-flight set and marks it
// terminal.
func (m *MultiQueue) Fail(taskID string, stage events.Stage, err error) {
	m.mu.Lock()
	if q := m.stage(stage); q != nil {
		delete(q.inFlight, taskID)
	}
	m.terminal[taskID] = struct{}{}
	m.mu.Unlock()

	m.bus.Publish(&events.TaskEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTaskFailed, Time: time.Now()},
		TaskID:    taskID,
		Stage:     stage,
		Err:       err,
	})
	m.publishUpdated()
}

// Counts returns waiting and in-flight depths per stage.
func (m *MultiQueue) Counts() (waiting, inFlight map[events.Stage]int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiting = map[events.Stage]int{
		events.StageDownload: len(m.download.waiting),
		events.StageConvert:  len(m.convert.waiting),
		events.StageUpload:   len(m.upload.waiting),
	}
	inFlight = map[events.Stage]int{
		events.StageDownload: len(m.download.inFlight),
		events.StageConvert:  len(m.convert.inFlight),
		events.StageUpload:   len(m.upload.inFlight),
	}
	return waiting, inFlight
}

// HasDownloadCapacity reports whether the download stage can accept
// another task right now. The poll loop gates task acquisition on this.
func (m *MultiQueue) HasDownloadCapacity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.download.waiting)+len(m.download.inFlight) < m.download.cap
}

// Contains reports whether the task id is present in any stage.
func (m *MultiQueue) Contains(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.download.contains(taskID) || m.convert.contains(taskID) || m.upload.contains(taskID)
}

func (m *MultiQueue) publishQueued(t *Task) {
	m.bus.Publish(&events.TaskEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventTaskQueued, Time: time.Now()},
		TaskID:    t.ID,
	})
}

func (m *MultiQueue) publishUpdated() {
	waiting, inFlight := m.Counts()
	m.bus.Publish(&events.QueueUpdatedEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventQueueUpdated, Time: time.Now()},
		Waiting:   waiting,
		InFlight:  inFlight,
	})
}
