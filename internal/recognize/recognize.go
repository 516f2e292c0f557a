// Package recognize provides the two speech recognizer clients: a
// synchronous client for bounded blobs and a long-running client that stages
// audio through an object store and polls an operation to completion.
//
// Recognition results are expressed as an [Outcome] sum type rather than
// plain errors, because the callers' recovery ladder branches on "the API
// failed" versus "the API succeeded but heard nothing".
package recognize

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/takerng/echoscribe/internal/media"
)

// ErrOversized marks input too large for synchronous recognition. It is not
// user-visible; the orchestrator converts it into a switch to long mode.
var ErrOversized = errors.New("recognize: input exceeds sync ceiling")

// Kind discriminates the Outcome variants.
type Kind int

const (
	// KindText is a successful recognition with a non-empty transcript.
	KindText Kind = iota

	// KindEmpty is a successful recognition that heard no speech.
	KindEmpty

	// KindError is a failed recognition attempt.
	KindError
)

// Outcome is the result of one recognition attempt.
type Outcome struct {
	Kind Kind
	Text string
	Err  error

	// Raw is the recognizer's response body, kept for diagnostics.
	Raw json.RawMessage
}

// Textual returns a text outcome, demoting blank transcripts to empty.
func Textual(text string, raw json.RawMessage) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Kind: KindEmpty, Raw: raw}
	}
	return Outcome{Kind: KindText, Text: text, Raw: raw}
}

// Failed returns an error outcome.
func Failed(err error, raw json.RawMessage) Outcome {
	return Outcome{Kind: KindError, Err: err, Raw: raw}
}

// Request describes one recognition attempt. The orchestrator builds a fresh
// Request per attempt.
type Request struct {
	Data []byte
	Tag  media.Tag

	Primary    string
	Alternates []string

	// SampleRateHertz must match the actual audio; zero omits the field
	// except for Opus containers, which default to 48000.
	SampleRateHertz int

	// AudioChannelCount is set when the channel layout is known.
	AudioChannelCount int

	// SeparateRecognition toggles enableSeparateRecognitionPerChannel;
	// nil omits the field.
	SeparateRecognition *bool

	DiarizationSpeakers int
	Model               string
	UseEnhanced         bool
	ProfanityFilter     bool
	SpeechContexts      []SpeechContext
}

// SpeechContext biases recognition toward the given phrases.
type SpeechContext struct {
	Phrases []string `json:"phrases"`
	Boost   float64  `json:"boost,omitempty"`
}

// maxAlternativeLanguages is the recognizer's documented ceiling.
const maxAlternativeLanguages = 3

// wire types for the v1 REST surface.

type recognitionConfig struct {
	LanguageCode               string   `json:"languageCode"`
	AlternativeLanguageCodes   []string `json:"alternativeLanguageCodes,omitempty"`
	EnableAutomaticPunctuation bool     `json:"enableAutomaticPunctuation"`
	MaxAlternatives            int      `json:"maxAlternatives,omitempty"`
	Encoding                   string   `json:"encoding"`
	SampleRateHertz            int      `json:"sampleRateHertz,omitempty"`
	AudioChannelCount          int      `json:"audioChannelCount,omitempty"`

	EnableSeparateRecognitionPerChannel *bool `json:"enableSeparateRecognitionPerChannel,omitempty"`

	DiarizationConfig *diarizationConfig `json:"diarizationConfig,omitempty"`
	Model             string             `json:"model,omitempty"`
	UseEnhanced       bool               `json:"useEnhanced,omitempty"`
	ProfanityFilter   bool               `json:"profanityFilter,omitempty"`
	SpeechContexts    []SpeechContext    `json:"speechContexts,omitempty"`
}

type diarizationConfig struct {
	EnableSpeakerDiarization bool `json:"enableSpeakerDiarization"`
	MinSpeakerCount          int  `json:"minSpeakerCount"`
	MaxSpeakerCount          int  `json:"maxSpeakerCount"`
}

type recognitionResult struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
}

// buildConfig assembles the wire config from a Request. Opus containers get
// the mandatory 48 kHz default when the caller did not pin a rate.
func buildConfig(req Request) recognitionConfig {
	encoding := req.Tag.Encoding()

	rate := req.SampleRateHertz
	if rate == 0 && (encoding == "OGG_OPUS" || encoding == "WEBM_OPUS") {
		rate = 48000
	}

	alts := req.Alternates
	if len(alts) > maxAlternativeLanguages {
		alts = alts[:maxAlternativeLanguages]
	}

	cfg := recognitionConfig{
		LanguageCode:               req.Primary,
		AlternativeLanguageCodes:   alts,
		EnableAutomaticPunctuation: true,
		MaxAlternatives:            1,
		Encoding:                   encoding,
		SampleRateHertz:            rate,
		AudioChannelCount:          req.AudioChannelCount,

		EnableSeparateRecognitionPerChannel: req.SeparateRecognition,

		Model:           req.Model,
		UseEnhanced:     req.UseEnhanced,
		ProfanityFilter: req.ProfanityFilter,
		SpeechContexts:  req.SpeechContexts,
	}
	if req.DiarizationSpeakers > 0 {
		cfg.DiarizationConfig = &diarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          req.DiarizationSpeakers,
			MaxSpeakerCount:          req.DiarizationSpeakers,
		}
	}
	return cfg
}

// joinAllAlternatives concatenates every alternative's transcript across all
// results, the sync client's join rule.
func joinAllAlternatives(results []recognitionResult) string {
	var parts []string
	for _, res := range results {
		for _, alt := range res.Alternatives {
			if t := strings.TrimSpace(alt.Transcript); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// joinFirstAlternatives concatenates the first alternative of each result,
// the long client's join rule.
func joinFirstAlternatives(results []recognitionResult) string {
	var parts []string
	for _, res := range results {
		if len(res.Alternatives) == 0 {
			continue
		}
		if t := strings.TrimSpace(res.Alternatives[0].Transcript); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// maxResponseBytes caps how much of a response body is read; recognizer
// responses for minutes of audio stay well under this.
const maxResponseBytes = 16 << 20

func readAllBounded(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBytes))
}

// bodyPreview bounds response bodies carried inside error messages.
func bodyPreview(body []byte) string {
	const n = 800
	s := strings.TrimSpace(string(body))
	if len(s) > n {
		return s[:n]
	}
	return s
}
