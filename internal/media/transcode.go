package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
)

// ErrTranscode is wrapped by every transcode failure after all plans were
// exhausted.
var ErrTranscode = errors.New("media: transcode failed")

const (
	// minWAVBytes is the sanity floor: ffmpeg occasionally exits zero with
	// a header-only output, which no recognizer accepts.
	minWAVBytes = 1000

	// stderrTailBytes bounds how much ffmpeg stderr is carried in errors.
	stderrTailBytes = 600

	defaultMaxProcs = 4
)

// Transcoder converts audio bytes to canonical WAV via ffmpeg. A weighted
// semaphore bounds the number of concurrent subprocesses per host.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	sem         *semaphore.Weighted
}

// TranscoderOption configures a Transcoder.
type TranscoderOption func(*Transcoder)

// WithMaxProcs bounds concurrent ffmpeg/ffprobe subprocesses. Default 4.
func WithMaxProcs(n int) TranscoderOption {
	return func(t *Transcoder) {
		if n > 0 {
			t.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFFmpegPath overrides the ffmpeg binary path.
func WithFFmpegPath(path string) TranscoderOption {
	return func(t *Transcoder) {
		if path != "" {
			t.ffmpegPath = path
		}
	}
}

// WithFFprobePath overrides the ffprobe binary path.
func WithFFprobePath(path string) TranscoderOption {
	return func(t *Transcoder) {
		if path != "" {
			t.ffprobePath = path
		}
	}
}

// NewTranscoder creates a Transcoder with the given options applied.
func NewTranscoder(opts ...TranscoderOption) *Transcoder {
	t := &Transcoder{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		sem:         semaphore.NewWeighted(defaultMaxProcs),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// plan is a single ffmpeg invocation strategy. Exactly one of stdin or
// tempExt applies: piped plans stream input on stdin, temp-file plans write
// the input to a suffixed file first (some containers need seekable input).
type plan struct {
	name     string
	preInput []string
	stdin    bool
	tempExt  string
}

// commonTail is the shared output flag set: strip video/subtitles, PCM s16le,
// mono, 16 kHz, WAV on stdout.
var commonTail = []string{
	"-vn", "-sn",
	"-acodec", "pcm_s16le",
	"-ac", "1",
	"-ar", "16000",
	"-f", "wav", "pipe:1",
}

var probeHints = []string{"-probesize", "50M", "-analyzeduration", "200M"}

// buildPlans returns the ordered strategies for the given source tag.
func buildPlans(tag Tag) []plan {
	plans := []plan{
		{name: "pipe", preInput: probeHints, stdin: true},
	}

	mp4Family := tag.Ext == ".m4a" || tag.Ext == ".mp4" ||
		strings.Contains(tag.ContentType, "audio/mp4") || strings.Contains(tag.ContentType, "video/mp4")
	aacFamily := tag.Ext == ".aac" || strings.Contains(tag.ContentType, "audio/aac")
	webmFamily := tag.Ext == ".webm" || strings.Contains(tag.ContentType, "webm")

	if mp4Family {
		plans = append(plans, plan{name: "force-mp4", preInput: append([]string{"-f", "mp4"}, probeHints...), stdin: true})
	}
	if aacFamily {
		plans = append(plans, plan{name: "force-aac", preInput: append([]string{"-f", "aac"}, probeHints...), stdin: true})
	}
	if webmFamily {
		plans = append(plans, plan{name: "force-webm", preInput: append([]string{"-f", "webm"}, probeHints...), stdin: true})
	}

	if mp4Family || aacFamily {
		ext := tag.Ext
		if ext != ".m4a" && ext != ".mp4" && ext != ".aac" {
			ext = ".bin"
		}
		plans = append(plans,
			plan{name: "tempfile", preInput: probeHints, tempExt: ext},
			plan{name: "tempfile-tolerant", preInput: append([]string{
				"-fflags", "+genpts+ignidx", "-err_detect", "ignore_err",
			}, probeHints...), tempExt: ext},
		)
	}
	if webmFamily {
		plans = append(plans, plan{name: "tempfile-webm", preInput: probeHints, tempExt: ".webm"})
	}
	return plans
}

// ToWAV16kMono converts data to WAV PCM s16le mono 16 kHz, trying each plan
// in order and returning the first output above the sanity floor. The last
// stderr tail is surfaced when every plan fails.
func (t *Transcoder) ToWAV16kMono(ctx context.Context, data []byte, tag Tag) ([]byte, error) {
	var lastErr string
	for _, p := range buildPlans(tag) {
		out, stderr, err := t.runPlan(ctx, p, data)
		if err == nil && len(out) > minWAVBytes {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderr != "" {
			lastErr = stderr
		}
		slog.Debug("media: transcode plan failed", "plan", p.name, "ext", tag.Ext, "err", err)
	}
	if lastErr == "" {
		lastErr = "no stderr"
	}
	return nil, fmt.Errorf("%w (multi-plan): %s", ErrTranscode, tail(lastErr, stderrTailBytes))
}

// runPlan executes one ffmpeg invocation and returns stdout, the stderr
// text, and the subprocess error.
func (t *Transcoder) runPlan(ctx context.Context, p plan, data []byte) ([]byte, string, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer t.sem.Release(1)

	input := "pipe:0"
	if p.tempExt != "" {
		f, err := os.CreateTemp("", "echoscribe-*"+p.tempExt)
		if err != nil {
			return nil, "", err
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, "", err
		}
		f.Close()
		input = f.Name()
	}

	args := []string{"-nostdin", "-loglevel", "error", "-hide_banner", "-y"}
	args = append(args, p.preInput...)
	args = append(args, "-i", input)
	args = append(args, commonTail...)

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	if p.stdin {
		cmd.Stdin = bytes.NewReader(data)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.String(), err
}

// EnsureCompatible transcodes the blob to canonical WAV when its container
// cannot be decoded reliably by the recognizer, passing everything else
// through unchanged. It reports whether a transcode happened.
func (t *Transcoder) EnsureCompatible(ctx context.Context, data []byte, tag Tag) ([]byte, Tag, bool, error) {
	if !needsWAV(tag) {
		return data, tag, false, nil
	}
	wav, err := t.ToWAV16kMono(ctx, data, tag)
	if err != nil {
		return nil, tag, false, err
	}
	return wav, WAVTag, true, nil
}

// ProbeDuration returns the media duration of the file at path in whole
// seconds, rounded up. Returns 0 when the probe fails; callers treat 0 as
// unknown.
func (t *Transcoder) ProbeDuration(ctx context.Context, path string) int {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return 0
	}
	defer t.sem.Release(1)

	cmd := exec.CommandContext(ctx, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		slog.Debug("media: ffprobe failed", "path", path, "err", err)
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs < 0 {
		return 0
	}
	return int(math.Ceil(secs))
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
