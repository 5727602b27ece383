// Package progress renders transfer progress: a single-transfer bar for
// the fetch command and a live multi-stage dashboard for the foreground
// runner.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kinnato/vcrunner/internal/task"
)

// TransferBar renders one download on stderr, driven by the same
// DownloadInfo records the pipeline reports to the control plane. The
// record already carries speed and ETA, so the bar displays those
// instead of estimating its own.
type TransferBar struct {
	label string
	bar   *progressbar.ProgressBar
}

// NewTransferBar creates a bar labeled with the transfer's name.
func NewTransferBar(label string) *TransferBar {
	return &TransferBar{label: label}
}

// Observe renders a progress record. The bar is created lazily on the
// first record, once the total size is known.
func (b *TransferBar) Observe(info task.DownloadInfo) {
	if b.bar == nil {
		b.bar = progressbar.NewOptions64(info.TotalSize,
			progressbar.OptionSetDescription(b.label),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(32),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetElapsedTime(false),
		)
	}
	_ = b.bar.Set64(info.CurrentSize)
	b.bar.Describe(fmt.Sprintf("%s  %s/s  eta %s", b.label, humanBytes(info.CurrentSpeed), etaLabel(info.ETASeconds)))
}

// Done completes the bar and moves to a fresh line.
func (b *TransferBar) Done() {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

// Fail clears the bar so the error prints on a clean line.
func (b *TransferBar) Fail() {
	if b.bar != nil {
		_ = b.bar.Clear()
	}
}

func humanBytes(v float64) string {
	units := []string{"B", "KiB", "MiB", "GiB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}

func etaLabel(sec float64) string {
	if sec <= 0 {
		return "--"
	}
	return (time.Duration(sec) * time.Second).Round(time.Second).String()
}
