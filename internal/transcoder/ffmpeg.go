// Package transcoder supervises the external encoder and solves the
// target bitrate for a bounded output size.
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/logging"
	"github.com/kinnato/vcrunner/internal/sysinfo"
	"github.com/kinnato/vcrunner/internal/task"
)

// execCommandContext allows mocking exec.CommandContext in tests.
var execCommandContext = exec.CommandContext

// Driver runs ffmpeg/ffprobe. One driver serves the whole runner; the
// encoder backend is fixed at probe time.
type Driver struct {
	ffmpegPath  string
	ffprobePath string
	encoder     sysinfo.Encoder
	maxFileSize int64
	log         *logging.Logger
}

// NewDriver creates a driver using binaries from PATH.
func NewDriver(encoder sysinfo.Encoder, log *logging.Logger) *Driver {
	return &Driver{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		encoder:     encoder,
		maxFileSize: constants.MaxOutputFileSize,
		log:         log,
	}
}

// SolveBitrate returns the target video bitrate in kbps for a clip of
// the given duration so the output stays under the size ceiling after
// the audio budget.
//
//	video = min(maxVideoBitrate, floor(maxFileSize*8/duration) - audioBudget)
//
// clamped to the minimum encodable rate.
func SolveBitrate(maxFileSize int64, durationSec float64) int {
	if durationSec <= 0 {
		return constants.MinVideoBitrateKbps
	}
	totalKbps := int(float64(maxFileSize*8) / durationSec / 1000)
	video := totalKbps - constants.AudioBitrateBudgetKbps
	if video > constants.MaxVideoBitrateKbps {
		video = constants.MaxVideoBitrateKbps
	}
	if video < constants.MinVideoBitrateKbps {
		video = constants.MinVideoBitrateKbps
	}
	return video
}

// videoCodecArg maps the requested codec onto the encode backend.
func (d *Driver) videoCodecArg(requested string) string {
	codec := strings.ToLower(requested)
	if codec == "" {
		codec = "h264"
	}
	if d.encoder == sysinfo.EncoderHardware {
		switch codec {
		case "h264":
			return "h264_nvenc"
		case "hevc", "h265":
			return "hevc_nvenc"
		}
	}
	switch codec {
	case "h264":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	}
	return codec
}

// ProbeDuration returns the clip duration in seconds.
func (d *Driver) ProbeDuration(ctx context.Context, input string) (float64, error) {
	out, err := execCommandContext(ctx, d.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", input, err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("source %s has no readable duration", input)
	}
	return dur, nil
}

// buildArgs assembles the encoder command line.
func (d *Driver) buildArgs(input, output string, params task.ConvertParams, videoKbps int) []string {
	args := []string{
		"-hide_banner",
		"-i", input,
		"-c:v", d.videoCodecArg(params.VideoCodec),
		"-preset", params.Preset,
		"-b:v", fmt.Sprintf("%dk", videoKbps),
		"-maxrate", fmt.Sprintf("%dk", int(float64(videoKbps)*constants.MaxRateFactor)),
		"-bufsize", fmt.Sprintf("%dk", int(float64(videoKbps)*constants.BufSizeFactor)),
	}

	if w, h, ok := parseResolution(params.Resolution); ok {
		args = append(args, "-s", fmt.Sprintf("%dx%d", w, h))
	}

	audioCodec := params.AudioCodec
	if audioCodec == "" {
		audioCodec = "aac"
	}
	args = append(args,
		"-c:a", audioCodec,
		"-b:a", fmt.Sprintf("%dk", constants.AudioBitrateKbps),
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		"-y",
		output,
	)
	return args
}

// Transcode re-encodes input into output and reports structured
// progress parsed from the encoder's progress stream.
func (d *Driver) Transcode(ctx context.Context, input, output string, params task.ConvertParams, onProgress func(task.ConvertInfo)) (task.ConvertResult, error) {
	durationSec, err := d.ProbeDuration(ctx, input)
	if err != nil {
		return task.ConvertResult{}, task.NewError(task.CodeConvertError, err)
	}

	videoKbps := SolveBitrate(d.maxFileSize, durationSec)
	args := d.buildArgs(input, output, params, videoKbps)
	cmdLine := d.ffmpegPath + " " + strings.Join(args, " ")

	d.log.Info().
		Str("input", input).
		Int("bitrateKbps", videoKbps).
		Float64("durationSec", durationSec).
		Msg("transcode: starting encoder")

	cmd := execCommandContext(ctx, d.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return task.ConvertResult{}, task.NewError(task.CodeConvertError, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return task.ConvertResult{}, task.NewError(task.CodeConvertError, fmt.Errorf("failed to launch encoder: %w", err))
	}

	info := task.ConvertInfo{Preset: params.Preset, Params: cmdLine}
	info.StartTime = time.Now()
	info.TotalSize = int64(durationSec * 1000) // media duration in ms
	if w, h, ok := parseResolution(params.Resolution); ok {
		info.Resolution = &task.Resolution{Width: w, Height: h}
	}

	d.consumeProgress(stdout, durationSec, &info, onProgress)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		// Cancellation: the context kill already fired; drop the partial output.
		os.Remove(output)
		return task.ConvertResult{}, ctx.Err()
	}
	if waitErr != nil {
		os.Remove(output)
		te := &task.Error{
			Code:    task.CodeConvertError,
			Message: fmt.Sprintf("encoder exited: %v: %s", waitErr, stderrTail(stderr.String())),
			Command: cmdLine,
			Cause:   waitErr,
		}
		return task.ConvertResult{}, te
	}

	fi, err := os.Stat(output)
	if err != nil || fi.Size() == 0 {
		os.Remove(output)
		return task.ConvertResult{}, &task.Error{
			Code:    task.CodeConvertError,
			Message: fmt.Sprintf("encoder produced no output at %s", output),
			Command: cmdLine,
		}
	}
	achievedKbps := int(float64(fi.Size()) * 8 / durationSec / 1000)

	if onProgress != nil {
		now := time.Now()
		info.EndTime = &now
		info.Progress = 100
		info.CurrentSize = info.TotalSize
		onProgress(info)
	}

	return task.ConvertResult{
		DurationMs:  int64(durationSec * 1000),
		BitrateKbps: achievedKbps,
	}, nil
}

// consumeProgress parses ffmpeg's `-progress pipe:1` key=value stream.
// Each `progress=` line closes one update block.
func (d *Driver) consumeProgress(r io.Reader, durationSec float64, info *task.ConvertInfo, onProgress func(task.ConvertInfo)) {
	throttleAt := time.Time{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		switch key {
		case "frame":
			info.CurrentFrame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			info.CurrentFPS, _ = strconv.ParseFloat(value, 64)
		case "bitrate":
			info.CurrentBitrate, _ = strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64)
		case "out_time_ms":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				outMs := us / 1000
				info.CurrentSize = outMs
				if durationSec > 0 {
					info.Progress = float64(outMs) / (durationSec * 1000) * 100
					if info.Progress > 100 {
						info.Progress = 100
					}
				}
			}
		case "speed":
			if sp, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64); err == nil && sp > 0 {
				remainingMs := float64(info.TotalSize - info.CurrentSize)
				info.ETASeconds = remainingMs / 1000 / sp
			}
		case "progress":
			if onProgress != nil && (time.Since(throttleAt) >= constants.ProgressMinInterval || value == "end") {
				throttleAt = time.Now()
				onProgress(*info)
			}
		}
	}
}

// stderrTail returns the last lines of encoder stderr, dropping the
// per-frame status noise.
func stderrTail(stderr string) string {
	lines := strings.Split(stderr, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "frame=") || strings.HasPrefix(trimmed, "size=") {
			continue
		}
		kept = append(kept, trimmed)
	}
	if len(kept) > constants.StderrTailLines {
		kept = kept[len(kept)-constants.StderrTailLines:]
	}
	return strings.Join(kept, "\n")
}

// parseResolution splits "WIDTHxHEIGHT".
func parseResolution(s string) (int, int, bool) {
	if s == "" {
		return 0, 0, false
	}
	w, h, found := strings.Cut(strings.ToLower(s), "x")
	if !found {
		return 0, 0, false
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}
