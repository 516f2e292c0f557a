// Package discord provides the Discord bot layer for echoscribe. It owns
// the discordgo.Session lifecycle, picks the audio attachment out of
// incoming messages, feeds it to the transcription service and keeps the
// user informed by editing a reply in place.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/takerng/echoscribe/internal/observe"
	"github.com/takerng/echoscribe/internal/quota"
	"github.com/takerng/echoscribe/internal/stt"
)

const (
	// maxAttachmentBytes bounds a single download. Discord caps uploads far
	// below this; the bound guards against redirect tricks.
	maxAttachmentBytes = 100 << 20

	// maxReplyRunes keeps transcripts inside Discord's message limit with
	// room for the truncation marker.
	maxReplyRunes = 1900

	defaultCommandPrefix = "!stt"
)

// Transcriber runs one transcription end to end.
type Transcriber interface {
	Transcribe(ctx context.Context, in stt.Input) stt.Result
	DailyLimit() int
}

// QuotaReader reads the consumed portion of a user's daily budget.
type QuotaReader interface {
	GetUsed(ctx context.Context, user, guild string) int
}

// messenger is the slice of the discordgo session the message handler
// needs. *discordgo.Session satisfies it.
type messenger interface {
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds the bot's behaviour settings.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// Channels restricts handling to the listed channel IDs; empty means
	// every readable channel.
	Channels []string

	// ExemptUsers lists user IDs that bypass the daily quota.
	ExemptUsers []string

	// CommandPrefix triggers the quota report. Default "!stt".
	CommandPrefix string

	// RequestTimeout bounds one transcription end to end. Default 90s.
	RequestTimeout time.Duration

	// Timezone is where the quota day rolls over, for the reset countdown.
	Timezone *time.Location
}

// Bot owns the gateway connection and handles voice-message transcription
// requests.
type Bot struct {
	session *discordgo.Session
	svc     Transcriber
	quota   QuotaReader
	metrics *observe.Metrics

	channels map[string]struct{}
	exempt   map[string]struct{}
	prefix   string
	timeout  time.Duration
	tz       *time.Location

	httpClient *http.Client

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Bot and connects it to the gateway.
func New(cfg Config, svc Transcriber, qr QuotaReader, metrics *observe.Metrics) (*Bot, error) {
	if svc == nil || qr == nil {
		return nil, fmt.Errorf("discord: transcriber and quota reader must be set")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	b := newBot(cfg, svc, qr, metrics)
	b.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.HandleMessage(s, m)
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	slog.Info("discord bot connected", "prefix", b.prefix, "channels", len(b.channels))
	return b, nil
}

// newBot builds the handler state without a gateway connection.
func newBot(cfg Config, svc Transcriber, qr QuotaReader, metrics *observe.Metrics) *Bot {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	b := &Bot{
		svc:        svc,
		quota:      qr,
		metrics:    metrics,
		channels:   make(map[string]struct{}, len(cfg.Channels)),
		exempt:     make(map[string]struct{}, len(cfg.ExemptUsers)),
		prefix:     cfg.CommandPrefix,
		timeout:    cfg.RequestTimeout,
		tz:         cfg.Timezone,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, c := range cfg.Channels {
		b.channels[c] = struct{}{}
	}
	for _, u := range cfg.ExemptUsers {
		b.exempt[u] = struct{}{}
	}
	if b.prefix == "" {
		b.prefix = defaultCommandPrefix
	}
	if b.timeout <= 0 {
		b.timeout = 90 * time.Second
	}
	if b.tz == nil {
		b.tz = time.Local
	}
	return b
}

// Run blocks until ctx is cancelled, then waits for in-flight requests.
func (b *Bot) Run(ctx context.Context) error {
	<-ctx.Done()
	b.wg.Wait()
	return ctx.Err()
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		if b.session != nil {
			closeErr = b.session.Close()
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

// HandleMessage processes one incoming message: quota commands get an
// immediate report, messages carrying an audio attachment get transcribed,
// everything else is ignored.
func (b *Bot) HandleMessage(s messenger, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if len(b.channels) > 0 {
		if _, ok := b.channels[m.ChannelID]; !ok {
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if strings.TrimSpace(m.Content) == b.prefix {
		b.metrics.RecordMessage(ctx, "command")
		b.reply(s, m, b.quotaReport(ctx, m.Author.ID, m.GuildID))
		return
	}

	att := pickAudioAttachment(m.Attachments)
	if att == nil {
		b.metrics.RecordMessage(ctx, "ignored")
		return
	}
	b.metrics.RecordMessage(ctx, "attachment")

	b.wg.Add(1)
	defer b.wg.Done()
	b.transcribeAttachment(ctx, s, m, att)
}

func (b *Bot) transcribeAttachment(ctx context.Context, s messenger, m *discordgo.MessageCreate, att *discordgo.MessageAttachment) {
	status, err := s.ChannelMessageSendReply(m.ChannelID, "⏳ downloading…", m.Reference())
	if err != nil {
		slog.Warn("discord: cannot send status reply", "channel", m.ChannelID, "err", err)
		return
	}
	progress := &replyProgress{m: s, channelID: m.ChannelID, messageID: status.ID}

	data, err := b.download(ctx, att.URL)
	if err != nil {
		slog.Warn("discord: attachment download failed", "url", att.URL, "err", err)
		progress.set("Could not download the attachment.")
		return
	}

	// Spill the download to disk so the duration probe can read the
	// original container without writing a second copy.
	var scratchPath string
	if f, err := os.CreateTemp("", "echoscribe-*"+strings.ToLower(filepath.Ext(att.Filename))); err == nil {
		if _, werr := f.Write(data); werr == nil {
			scratchPath = f.Name()
		}
		f.Close()
		defer os.Remove(f.Name())
	}

	_, exempt := b.exempt[m.Author.ID]
	in := stt.Input{
		Filename:    att.Filename,
		ContentType: att.ContentType,
		Data:        data,
		ScratchPath: scratchPath,
		UserID:      m.Author.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		Username:    displayName(m),
		Caption:     m.Content,
		QuotaExempt: exempt,
		Progress:    progress,
	}

	res := b.svc.Transcribe(ctx, in)
	progress.set(b.formatResult(res))
}

// reply sends a direct reply without a progress lifecycle.
func (b *Bot) reply(s messenger, m *discordgo.MessageCreate, content string) {
	if _, err := s.ChannelMessageSendReply(m.ChannelID, content, m.Reference()); err != nil {
		slog.Warn("discord: reply failed", "channel", m.ChannelID, "err", err)
	}
}

// quotaReport renders the "!stt" response.
func (b *Bot) quotaReport(ctx context.Context, userID, guildID string) string {
	limit := b.svc.DailyLimit()
	used := b.quota.GetUsed(ctx, userID, guildID)
	remain := max(0, limit-used)
	reset := time.Duration(quota.SecondsUntilMidnight(time.Now().In(b.tz))) * time.Second
	return fmt.Sprintf("Voice transcription today: %ds used of %ds (%ds left). Resets in %s.",
		used, limit, remain, reset.Round(time.Minute))
}

// formatResult renders the final reply for a settled transcription.
func (b *Bot) formatResult(res stt.Result) string {
	switch res.Status {
	case stt.StatusSuccess:
		return truncate(res.Transcript, maxReplyRunes)
	case stt.StatusNoSpeech:
		return "No speech detected in this audio."
	case stt.StatusQuotaExceeded:
		reset := time.Duration(quota.SecondsUntilMidnight(time.Now().In(b.tz))) * time.Second
		return fmt.Sprintf("Daily transcription limit reached (%ds of %ds used). Resets in %s.",
			res.UsedSeconds, res.LimitSeconds, reset.Round(time.Minute))
	default:
		slog.Warn("discord: transcription failed", "err", res.Err)
		return "Transcription failed. Please try again later."
	}
}

// download fetches the attachment with a hard size bound.
func (b *Bot) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discord: download HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxAttachmentBytes {
		return nil, fmt.Errorf("discord: attachment exceeds %d bytes", maxAttachmentBytes)
	}
	return data, nil
}

// audioExts are attachment extensions handled even when Discord supplies no
// content type.
var audioExts = map[string]struct{}{
	".wav": {}, ".mp3": {}, ".m4a": {}, ".mp4": {}, ".aac": {},
	".ogg": {}, ".opus": {}, ".webm": {}, ".flac": {},
}

// pickAudioAttachment returns the first attachment that looks like audio,
// or nil. Video containers count: voice memos from phones often arrive as
// mp4/webm.
func pickAudioAttachment(atts []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range atts {
		if a == nil {
			continue
		}
		ct := strings.ToLower(a.ContentType)
		if strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/") {
			return a
		}
		if _, ok := audioExts[strings.ToLower(filepath.Ext(a.Filename))]; ok {
			return a
		}
	}
	return nil
}

// displayName prefers the guild nickname over the account name; nicknames
// carry the stronger language signal.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author != nil {
		return m.Author.Username
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// replyProgress edits the status reply in place as the pipeline advances.
type replyProgress struct {
	m                    messenger
	channelID, messageID string
}

// Update implements stt.ProgressSink.
func (p *replyProgress) Update(stage string) {
	p.set("⏳ " + stage + "…")
}

func (p *replyProgress) set(content string) {
	if _, err := p.m.ChannelMessageEdit(p.channelID, p.messageID, content); err != nil {
		slog.Debug("discord: status edit failed", "message", p.messageID, "err", err)
	}
}
