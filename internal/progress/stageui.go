package progress

import (
	"fmt"
	"os"
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/kinnato/vcrunner/internal/events"
)

// StageUI renders one live bar per (task, stage) from a pipeline tap.
// Only used in foreground mode; headless runs log instead.
type StageUI struct {
	progress   *mpb.Progress
	mu         sync.Mutex
	bars       map[string]*mpb.Bar // taskID/stage -> bar
	isTerminal bool
	done       chan struct{}
}

// NewStageUI creates the dashboard. When stderr is not a terminal the
// UI stays inert and only drains its tap.
func NewStageUI() *StageUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))

	ui := &StageUI{
		bars:       make(map[string]*mpb.Bar),
		isTerminal: isTerminal,
		done:       make(chan struct{}),
	}
	if isTerminal {
		ui.progress = mpb.New(
			mpb.WithOutput(os.Stderr),
			mpb.WithWidth(48),
		)
	}
	return ui
}

// Run consumes the tap until its lifecycle channel closes. A bar is
// created on the first progress reading for a task's stage; lifecycle
// events drive bar teardown in order. Progress is drained as latest-wins
// snapshots at whatever rate the terminal can paint.
// Call in a goroutine.
func (ui *StageUI) Run(tap *events.Tap) {
	defer close(ui.done)

	for {
		select {
		case ev, ok := <-tap.Lifecycle:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *events.StageEvent:
				if e.EventType == events.EventStageComplete {
					ui.finish(e.TaskID, e.Stage, e.Err)
				}
			case *events.TaskEvent:
				if e.EventType == events.EventTaskFailed {
					ui.abandon(e.TaskID)
				}
			}
		case <-tap.Wake():
			for _, reading := range tap.DrainProgress() {
				ui.update(reading)
			}
		}
	}
}

// Wait blocks until Run has drained its tap.
func (ui *StageUI) Wait() {
	<-ui.done
	if ui.progress != nil {
		ui.progress.Wait()
	}
}

func barKey(taskID string, stage events.Stage) string {
	return taskID + "/" + string(stage)
}

func (ui *StageUI) update(e events.StageProgressEvent) {
	if !ui.isTerminal || e.TotalBytes <= 0 {
		return
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()

	key := barKey(e.TaskID, e.Stage)
	bar, ok := ui.bars[key]
	if !ok {
		bar = ui.progress.AddBar(e.TotalBytes,
			mpb.PrependDecorators(
				decor.Name(fmt.Sprintf("%-8s %s", e.Stage, shortID(e.TaskID))),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.AverageSpeed(decor.SizeB1024(0), "% .1f"),
			),
			mpb.BarRemoveOnComplete(),
		)
		ui.bars[key] = bar
	}

	if bar.Current() < e.CurrentBytes {
		bar.SetCurrent(e.CurrentBytes)
	}
}

func (ui *StageUI) finish(taskID string, stage events.Stage, err error) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	key := barKey(taskID, stage)
	if bar, ok := ui.bars[key]; ok {
		if err != nil {
			bar.Abort(true)
		} else {
			bar.SetTotal(-1, true)
		}
		delete(ui.bars, key)
	}
}

// abandon drops every bar a failed task still owns.
func (ui *StageUI) abandon(taskID string) {
	ui.mu.Lock()
	defer ui.mu.Unlock()

	for _, stage := range []events.Stage{events.StageDownload, events.StageConvert, events.StageUpload} {
		key := barKey(taskID, stage)
		if bar, ok := ui.bars[key]; ok {
			bar.Abort(true)
			delete(ui.bars, key)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
