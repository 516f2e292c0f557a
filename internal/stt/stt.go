// Package stt orchestrates one voice-message transcription end to end:
// probe the duration, reserve quota, normalize the container, resolve
// language hints, pick the sync or long-running backend, walk the attempt
// ladder and settle the reservation exactly once.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/takerng/echoscribe/internal/lang"
	"github.com/takerng/echoscribe/internal/media"
	"github.com/takerng/echoscribe/internal/observe"
	"github.com/takerng/echoscribe/internal/recognize"
)

// Backend selection thresholds and billing constants. Compressed audio
// packs more than a minute into very few bytes, so it promotes to the
// long-running backend much earlier than raw audio does.
const (
	defaultSyncMaxBytes      = 9_000_000
	defaultLongMinCompressed = 1_800_000
	defaultDailyLimitSeconds = 120

	// fallbackBillSeconds is billed when the duration probe cannot determine
	// a length.
	fallbackBillSeconds = 60
)

// Status classifies the final outcome of one transcription request.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusNoSpeech      Status = "no_speech"
	StatusQuotaExceeded Status = "quota_exceeded"
	StatusError         Status = "error"
)

// Mode names the recognition backend that produced the outcome.
type Mode string

const (
	ModeSync Mode = "sync"
	ModeLong Mode = "long"
)

// QuotaStore reserves and refunds seconds against a daily budget.
type QuotaStore interface {
	TryReserve(ctx context.Context, user, guild string, seconds, limit int) bool
	Refund(ctx context.Context, user, guild string, seconds int)
	GetUsed(ctx context.Context, user, guild string) int
}

// HistoryStore tracks which languages a user and a channel have produced.
type HistoryStore interface {
	User(ctx context.Context, userID string) map[string]int
	Channel(ctx context.Context, channelID string) map[string]int
	BumpUser(ctx context.Context, userID, code string)
	BumpChannel(ctx context.Context, channelID, code string)
}

// Transcoder converts audio to the canonical WAV form and probes durations.
type Transcoder interface {
	EnsureCompatible(ctx context.Context, data []byte, tag media.Tag) ([]byte, media.Tag, bool, error)
	ToWAV16kMono(ctx context.Context, data []byte, tag media.Tag) ([]byte, error)
	ProbeDuration(ctx context.Context, path string) int
}

// Recognizer runs one recognition request against a speech backend.
type Recognizer interface {
	Recognize(ctx context.Context, req recognize.Request) recognize.Outcome
}

// ProgressSink receives coarse state updates while a request is in flight,
// typically surfaced to the user by editing a chat reply.
type ProgressSink interface {
	Update(stage string)
}

type nopProgress struct{}

func (nopProgress) Update(string) {}

// Input is everything the orchestrator needs for one attachment.
type Input struct {
	Filename    string
	ContentType string
	Data        []byte

	// ScratchPath optionally points at the bytes already on disk, letting
	// the duration probe skip a second temp file.
	ScratchPath string

	UserID    string
	GuildID   string
	ChannelID string

	Username    string
	ChannelName string
	Caption     string

	// PrimaryOverride forces the primary language code, bypassing dynamic
	// resolution. Alternates are still derived from context.
	PrimaryOverride string

	DiarizationSpeakers int
	QuotaExempt         bool

	Progress ProgressSink
}

// Result is the settled outcome of one transcription request.
type Result struct {
	Status     Status
	Transcript string
	Mode       Mode

	// Language is the script-detected code of the transcript; success only.
	Language string

	// BilledSeconds is what the reservation charged (floored duration).
	BilledSeconds int

	// UsedSeconds and LimitSeconds are populated on quota rejection.
	UsedSeconds   int
	LimitSeconds  int
	RemainSeconds int

	Err error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Quota      QuotaStore
	History    HistoryStore
	Transcoder Transcoder
	Sync       Recognizer
	Long       Recognizer

	// Resolver defaults to lang.NewResolver() when nil.
	Resolver *lang.Resolver

	// Metrics defaults to observe.DefaultMetrics() when nil.
	Metrics *observe.Metrics
}

// Service runs transcriptions. Construct with NewService.
type Service struct {
	quota      QuotaStore
	history    HistoryStore
	transcoder Transcoder
	syncRec    Recognizer
	longRec    Recognizer
	resolver   *lang.Resolver
	metrics    *observe.Metrics

	dailyLimit        int
	syncMaxBytes      int
	longMinCompressed int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDailyLimit sets the per-day seconds budget. Default 120.
func WithDailyLimit(seconds int) ServiceOption {
	return func(s *Service) {
		if seconds > 0 {
			s.dailyLimit = seconds
		}
	}
}

// WithSyncMaxBytes sets the byte ceiling above which the long-running
// backend is always used. Default 9,000,000.
func WithSyncMaxBytes(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.syncMaxBytes = n
		}
	}
}

// WithLongMinCompressed sets the byte threshold above which compressed
// audio is routed to the long-running backend. Default 1,800,000.
func WithLongMinCompressed(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.longMinCompressed = n
		}
	}
}

// NewService wires an orchestrator from its dependencies.
func NewService(d Deps, opts ...ServiceOption) (*Service, error) {
	switch {
	case d.Quota == nil:
		return nil, fmt.Errorf("stt: quota store must not be nil")
	case d.History == nil:
		return nil, fmt.Errorf("stt: history store must not be nil")
	case d.Transcoder == nil:
		return nil, fmt.Errorf("stt: transcoder must not be nil")
	case d.Sync == nil || d.Long == nil:
		return nil, fmt.Errorf("stt: both recognizers must be set")
	}
	if d.Resolver == nil {
		d.Resolver = lang.NewResolver()
	}
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	s := &Service{
		quota:             d.Quota,
		history:           d.History,
		transcoder:        d.Transcoder,
		syncRec:           d.Sync,
		longRec:           d.Long,
		resolver:          d.Resolver,
		metrics:           d.Metrics,
		dailyLimit:        defaultDailyLimitSeconds,
		syncMaxBytes:      defaultSyncMaxBytes,
		longMinCompressed: defaultLongMinCompressed,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DailyLimit returns the configured per-day seconds budget.
func (s *Service) DailyLimit() int { return s.dailyLimit }

// Transcribe runs the full pipeline for one attachment and settles the
// quota reservation exactly once: committed on success and on no-speech,
// refunded on every error including cancellation.
func (s *Service) Transcribe(ctx context.Context, in Input) Result {
	start := time.Now()
	if in.Progress == nil {
		in.Progress = nopProgress{}
	}
	s.metrics.InFlight.Add(ctx, 1)
	defer s.metrics.InFlight.Add(context.WithoutCancel(ctx), -1)

	res := s.run(ctx, in)
	s.metrics.RecordTranscribe(context.WithoutCancel(ctx), string(res.Mode), string(res.Status), time.Since(start))

	slog.Info("stt: request settled",
		"status", res.Status,
		"mode", res.Mode,
		"language", res.Language,
		"billed_seconds", res.BilledSeconds,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"user", in.UserID,
	)
	return res
}

func (s *Service) run(ctx context.Context, in Input) Result {
	in.Progress.Update("preparing audio")
	billed := s.billableSeconds(ctx, in)

	var hold *reservation
	if !in.QuotaExempt {
		if !s.quota.TryReserve(ctx, in.UserID, in.GuildID, billed, s.dailyLimit) {
			s.metrics.QuotaRejections.Add(ctx, 1)
			used := s.quota.GetUsed(ctx, in.UserID, in.GuildID)
			return Result{
				Status:        StatusQuotaExceeded,
				BilledSeconds: billed,
				UsedSeconds:   used,
				LimitSeconds:  s.dailyLimit,
				RemainSeconds: max(0, s.dailyLimit-used),
			}
		}
		hold = &reservation{svc: s, user: in.UserID, guild: in.GuildID, seconds: billed, active: true}
	}

	out := s.recognizeAll(ctx, in)
	out.BilledSeconds = billed
	out.LimitSeconds = s.dailyLimit

	switch out.Status {
	case StatusSuccess, StatusNoSpeech:
		// Audio was processed; the seconds stay spent.
		hold.commit()
	default:
		// Detached so a cancelled request still gets its refund.
		hold.release(context.WithoutCancel(ctx))
	}
	return out
}

// recognizeAll handles everything after the reservation: normalization,
// hint resolution, backend pick and the attempt ladder.
func (s *Service) recognizeAll(ctx context.Context, in Input) Result {
	f := &frame{
		svc:  s,
		in:   in,
		data: in.Data,
		tag:  media.GuessTag(in.Filename, in.ContentType),
	}

	data, tag, transcoded, err := s.transcoder.EnsureCompatible(ctx, f.data, f.tag)
	if err != nil {
		return Result{Status: StatusError, Mode: f.mode(), Err: fmt.Errorf("stt: normalize: %w", err)}
	}
	f.data, f.tag, f.transcoded = data, tag, transcoded

	sig := lang.Signals{
		Username:    in.Username,
		ChannelName: in.ChannelName,
		Caption:     in.Caption,
		Filename:    in.Filename,
		UserHist:    s.history.User(ctx, in.UserID),
		ChannelHist: s.history.Channel(ctx, in.ChannelID),
	}
	f.hints = s.resolver.Resolve(sig, in.PrimaryOverride)

	f.long = s.pickLong(len(f.data), f.tag)
	if f.long {
		if err := f.forceMono(ctx); err != nil {
			return Result{Status: StatusError, Mode: f.mode(), Err: err}
		}
	}

	slog.Debug("stt: routing decided",
		"primary", f.hints.Primary,
		"round1", f.hints.Round1,
		"round2", f.hints.Round2,
		"mode", f.mode(),
		"bytes", len(f.data),
		"ext", f.tag.Ext,
	)
	return f.ladder(ctx)
}

// billableSeconds probes the media duration and bills it as-is. Only an
// unknown duration (probe failure) bills the 60-second fallback.
func (s *Service) billableSeconds(ctx context.Context, in Input) int {
	path := in.ScratchPath
	if path == "" {
		tmp, err := os.CreateTemp("", "echoscribe-probe-*"+strings.ToLower(filepath.Ext(in.Filename)))
		if err != nil {
			return fallbackBillSeconds
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(in.Data); err != nil {
			tmp.Close()
			return fallbackBillSeconds
		}
		tmp.Close()
		path = tmp.Name()
	}
	if d := s.transcoder.ProbeDuration(ctx, path); d > 0 {
		return d
	}
	return fallbackBillSeconds
}

// pickLong decides the backend: anything over the sync byte ceiling, and
// compressed audio over its own threshold, goes long-running.
func (s *Service) pickLong(size int, tag media.Tag) bool {
	if size > s.syncMaxBytes {
		return true
	}
	return tag.IsCompressed() && size > s.longMinCompressed
}

// reservation is a scoped quota hold. Exactly one of commit or release is
// applied; both are idempotent and nil-safe (exempt users carry no hold).
type reservation struct {
	svc         *Service
	user, guild string
	seconds     int
	active      bool
}

func (r *reservation) commit() {
	if r == nil {
		return
	}
	r.active = false
}

func (r *reservation) release(ctx context.Context) {
	if r == nil || !r.active {
		return
	}
	r.active = false
	r.svc.quota.Refund(ctx, r.user, r.guild, r.seconds)
	r.svc.metrics.QuotaRefunds.Add(ctx, 1)
}

// frame is the mutable per-request state threaded through the attempts.
type frame struct {
	svc *Service
	in  Input

	data       []byte
	tag        media.Tag
	transcoded bool
	long       bool

	hints lang.Hints
}

func (f *frame) mode() Mode {
	if f.long {
		return ModeLong
	}
	return ModeSync
}

func (f *frame) recognizer() Recognizer {
	if f.long {
		return f.svc.longRec
	}
	return f.svc.syncRec
}

// forceMono ensures the blob is canonical WAV before a long-running run.
// The long backend rejects multichannel input, so anything we did not
// transcode ourselves gets converted.
func (f *frame) forceMono(ctx context.Context) error {
	if f.transcoded {
		return nil
	}
	f.in.Progress.Update("transcoding")
	start := time.Now()
	wav, err := f.svc.transcoder.ToWAV16kMono(ctx, f.data, f.tag)
	if err != nil {
		return fmt.Errorf("stt: transcode for long-running: %w", err)
	}
	f.svc.metrics.RecordTranscode(ctx, time.Since(start))
	f.data = wav
	f.tag = media.WAVTag
	f.transcoded = true
	return nil
}

// ladder walks the attempt sequence: round 1 with the resolved alternates
// (none when strict-confident), round 2 with the remainder, then — if the
// audio was never transcoded — one canonical-WAV re-encode and both rounds
// again. The first textual outcome wins; any error aborts.
func (f *frame) ladder(ctx context.Context) Result {
	for pass := 0; pass < 2; pass++ {
		if pass == 1 {
			if f.transcoded {
				break
			}
			f.in.Progress.Update("retrying with converted audio")
			if err := f.forceMono(ctx); err != nil {
				return Result{Status: StatusError, Mode: f.mode(), Err: err}
			}
			// A transcode changes the size; re-pick the backend.
			f.long = f.svc.pickLong(len(f.data), f.tag)
		}

		rounds := [][]string{f.hints.Round1}
		if len(f.hints.Round2) > 0 && !sameCodes(f.hints.Round2, f.hints.Round1) {
			rounds = append(rounds, f.hints.Round2)
		}
		for _, alts := range rounds {
			if err := ctx.Err(); err != nil {
				return Result{Status: StatusError, Mode: f.mode(), Err: err}
			}
			out := f.attempt(ctx, alts)
			switch out.Kind {
			case recognize.KindText:
				return f.succeed(ctx, out.Text)
			case recognize.KindError:
				if errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded) {
					return Result{Status: StatusError, Mode: f.mode(), Err: out.Err}
				}
				return Result{Status: StatusError, Mode: f.mode(), Err: fmt.Errorf("stt: recognition: %w", out.Err)}
			}
			// Empty: fall through to the next rung.
		}
	}
	return Result{Status: StatusNoSpeech, Mode: f.mode()}
}

// attempt runs one recognition call, transparently promoting to the
// long-running backend when the sync service rejects the input as too long.
func (f *frame) attempt(ctx context.Context, alts []string) recognize.Outcome {
	f.in.Progress.Update(f.stage())
	out := f.recognizer().Recognize(ctx, f.request(alts))
	f.svc.metrics.RecordAttempt(ctx, string(f.mode()), outcomeLabel(out))

	if out.Kind == recognize.KindError && errors.Is(out.Err, recognize.ErrOversized) && !f.long {
		slog.Debug("stt: sync rejected input as too long, promoting", "bytes", len(f.data))
		f.long = true
		if err := f.forceMono(ctx); err != nil {
			return recognize.Failed(err, nil)
		}
		out = f.recognizer().Recognize(ctx, f.request(alts))
		f.svc.metrics.RecordAttempt(ctx, string(f.mode()), outcomeLabel(out))
	}
	return out
}

func (f *frame) request(alts []string) recognize.Request {
	req := recognize.Request{
		Data:                f.data,
		Tag:                 f.tag,
		Primary:             f.hints.Primary,
		Alternates:          alts,
		DiarizationSpeakers: f.in.DiarizationSpeakers,
	}
	if f.transcoded {
		// Our own output is always PCM s16le mono 16 kHz.
		req.SampleRateHertz = 16000
		req.AudioChannelCount = 1
		sep := false
		req.SeparateRecognition = &sep
	}
	return req
}

func (f *frame) stage() string {
	if f.long {
		return "transcribing (long-running)"
	}
	return "transcribing"
}

// succeed settles a textual outcome: detect the transcript's script and
// feed both language histograms.
func (f *frame) succeed(ctx context.Context, text string) Result {
	code := lang.DetectScript(text)
	f.svc.history.BumpUser(ctx, f.in.UserID, code)
	f.svc.history.BumpChannel(ctx, f.in.ChannelID, code)
	return Result{
		Status:     StatusSuccess,
		Transcript: text,
		Mode:       f.mode(),
		Language:   code,
	}
}

func outcomeLabel(out recognize.Outcome) string {
	switch out.Kind {
	case recognize.KindText:
		return "text"
	case recognize.KindEmpty:
		return "empty"
	default:
		return "error"
	}
}

func sameCodes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
