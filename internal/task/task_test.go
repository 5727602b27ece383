package task

import (
	"errors"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusWaiting:     false,
		StatusDownloading: false,
		StatusConverting:  false,
		StatusUploading:   false,
		StatusPaused:      false,
		StatusFinished:    true,
		StatusFailed:      true,
	} {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestSetErrorMarksFailed(t *testing.T) {
	tk := New("t1", "http://src/a.mp4", 0, DefaultConvertParams())

	tk.SetError(NewError(CodeDownloadError, errors.New("unreachable")))

	if tk.Status() != StatusFailed {
		t.Errorf("status = %s, want FAILED", tk.Status())
	}
	if tk.Err() == nil || tk.Err().Code != CodeDownloadError {
		t.Errorf("error = %v", tk.Err())
	}
	if tk.Err().Message == "" {
		t.Error("error message must be non-empty")
	}
}

func TestSetResultMarksFinished(t *testing.T) {
	tk := New("t1", "http://src/a.mp4", 0, DefaultConvertParams())

	tk.SetResult(Result{Status: "success", TotalDurationMs: 1200})

	if tk.Status() != StatusFinished {
		t.Errorf("status = %s, want FINISHED", tk.Status())
	}
	if tk.Result() == nil || tk.Result().Status != "success" {
		t.Errorf("result = %#v", tk.Result())
	}
}

func TestAsTaskErrorWrapsUnknown(t *testing.T) {
	cause := errors.New("nil dereference somewhere")
	te := AsTaskError(cause)

	if te.Code != CodeUnexpectedError {
		t.Errorf("code = %s, want UNEXPECTED_ERROR", te.Code)
	}
	if !errors.Is(te, cause) {
		t.Error("wrapped cause lost")
	}

	// Already-typed errors pass through unchanged.
	typed := NewError(CodeConvertError, errors.New("encoder died"))
	if got := AsTaskError(typed); got != typed {
		t.Error("typed error should pass through")
	}
	if AsTaskError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestSpeedWindowFill(t *testing.T) {
	w := NewSpeedWindow()
	w.Add(500)
	w.Add(500)

	var p StageProgress
	w.Fill(&p, 2000)

	if p.CurrentSize != 1000 {
		t.Errorf("CurrentSize = %d, want 1000", p.CurrentSize)
	}
	if p.Progress != 50 {
		t.Errorf("Progress = %f, want 50", p.Progress)
	}
	if p.TotalSize != 2000 {
		t.Errorf("TotalSize = %d", p.TotalSize)
	}
}

func TestSpeedWindowProgressCaps(t *testing.T) {
	w := NewSpeedWindow()
	w.Add(3000)

	var p StageProgress
	w.Fill(&p, 2000)

	if p.Progress != 100 {
		t.Errorf("Progress = %f, want capped at 100", p.Progress)
	}
}

func TestConvertParamsDefaults(t *testing.T) {
	p := DefaultConvertParams()
	if p.VideoCodec != "h264" || p.AudioCodec != "aac" || p.Preset != "medium" {
		t.Errorf("unexpected defaults: %#v", p)
	}
	if p.Resolution != "" {
		t.Errorf("resolution should default to source size, got %q", p.Resolution)
	}
}
