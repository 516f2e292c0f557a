package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/takerng/echoscribe/internal/media"
)

func newSyncServer(t *testing.T, handler http.HandlerFunc) (*SyncClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewSyncClient("test-key", WithSyncBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	return c, srv
}

func TestSyncRecognizeJoinsAllAlternatives(t *testing.T) {
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/speech:recognize" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query: %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"results":[
			{"alternatives":[{"transcript":"hello "},{"transcript":"there"}]},
			{"alternatives":[{"transcript":"world"}]}
		]}`))
	})

	out := c.Recognize(context.Background(), Request{
		Data:    []byte("audio"),
		Tag:     media.Tag{Ext: ".wav", ContentType: "audio/wav"},
		Primary: "en-US",
	})
	if out.Kind != KindText {
		t.Fatalf("kind = %v, err = %v", out.Kind, out.Err)
	}
	if out.Text != "hello there world" {
		t.Errorf("text = %q, want %q", out.Text, "hello there world")
	}
}

func TestSyncRecognizeEmptyResult(t *testing.T) {
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	out := c.Recognize(context.Background(), Request{
		Data: []byte("a"), Tag: media.WAVTag, Primary: "th-TH",
	})
	if out.Kind != KindEmpty {
		t.Errorf("kind = %v, want KindEmpty", out.Kind)
	}
}

func TestSyncRecognizeServerError(t *testing.T) {
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"internal"}}`, http.StatusInternalServerError)
	})
	out := c.Recognize(context.Background(), Request{
		Data: []byte("a"), Tag: media.WAVTag, Primary: "th-TH",
	})
	if out.Kind != KindError || out.Err == nil {
		t.Fatalf("kind = %v, err = %v", out.Kind, out.Err)
	}
	if errors.Is(out.Err, ErrOversized) {
		t.Error("plain 500 must not map to oversized")
	}
}

func TestSyncTooLongMapsToOversized(t *testing.T) {
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"Sync input too long. For audio longer than 1 min use LongRunningRecognize."}}`,
			http.StatusBadRequest)
	})
	out := c.Recognize(context.Background(), Request{
		Data: []byte("a"), Tag: media.WAVTag, Primary: "th-TH",
	})
	if !errors.Is(out.Err, ErrOversized) {
		t.Errorf("err = %v, want ErrOversized", out.Err)
	}
}

func TestSyncOversizedBytesNoRequest(t *testing.T) {
	called := false
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	big := make([]byte, defaultSyncMax+1)
	out := c.Recognize(context.Background(), Request{Data: big, Tag: media.WAVTag, Primary: "en-US"})
	if !errors.Is(out.Err, ErrOversized) {
		t.Errorf("err = %v, want ErrOversized", out.Err)
	}
	if called {
		t.Error("oversized input must not hit the network")
	}
}

func TestSyncBoundaryExactCeiling(t *testing.T) {
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	exact := make([]byte, defaultSyncMax)
	out := c.Recognize(context.Background(), Request{Data: exact, Tag: media.WAVTag, Primary: "en-US"})
	if errors.Is(out.Err, ErrOversized) {
		t.Error("exactly at the ceiling should still be sync-eligible")
	}
}

func TestSyncRequestPayload(t *testing.T) {
	var got syncRequestBody
	c, _ := newSyncServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{}`))
	})

	sep := false
	c.Recognize(context.Background(), Request{
		Data:                []byte("opus audio"),
		Tag:                 media.Tag{Ext: ".ogg", ContentType: "audio/ogg"},
		Primary:             "th-TH",
		Alternates:          []string{"en-US", "ja-JP", "ko-KR", "vi-VN"},
		AudioChannelCount:   1,
		SeparateRecognition: &sep,
	})

	cfg := got.Config
	if cfg.LanguageCode != "th-TH" {
		t.Errorf("languageCode = %q", cfg.LanguageCode)
	}
	if cfg.Encoding != "OGG_OPUS" {
		t.Errorf("encoding = %q, want OGG_OPUS", cfg.Encoding)
	}
	if cfg.SampleRateHertz != 48000 {
		t.Errorf("sampleRateHertz = %d, want 48000 for opus", cfg.SampleRateHertz)
	}
	if len(cfg.AlternativeLanguageCodes) != 3 {
		t.Errorf("alternates = %v, want capped at 3", cfg.AlternativeLanguageCodes)
	}
	if !cfg.EnableAutomaticPunctuation {
		t.Error("enableAutomaticPunctuation should be set")
	}
	if cfg.MaxAlternatives != 1 {
		t.Errorf("maxAlternatives = %d, want 1", cfg.MaxAlternatives)
	}
	if cfg.EnableSeparateRecognitionPerChannel == nil || *cfg.EnableSeparateRecognitionPerChannel {
		t.Errorf("enableSeparateRecognitionPerChannel = %v, want false", cfg.EnableSeparateRecognitionPerChannel)
	}
	if got.Audio.Content == "" {
		t.Error("audio content missing")
	}
}

func TestBuildConfigDiarization(t *testing.T) {
	cfg := buildConfig(Request{Primary: "en-US", Tag: media.WAVTag, DiarizationSpeakers: 2})
	if cfg.DiarizationConfig == nil || !cfg.DiarizationConfig.EnableSpeakerDiarization {
		t.Fatal("diarization config missing")
	}
	if cfg.DiarizationConfig.MinSpeakerCount != 2 || cfg.DiarizationConfig.MaxSpeakerCount != 2 {
		t.Errorf("speaker counts = %+v, want 2/2", cfg.DiarizationConfig)
	}
}

func TestBuildConfigWAVKeepsCallerRate(t *testing.T) {
	cfg := buildConfig(Request{Primary: "en-US", Tag: media.WAVTag, SampleRateHertz: 16000})
	if cfg.SampleRateHertz != 16000 {
		t.Errorf("sampleRateHertz = %d, want 16000", cfg.SampleRateHertz)
	}
	if cfg.Encoding != "LINEAR16" {
		t.Errorf("encoding = %q, want LINEAR16", cfg.Encoding)
	}
}
