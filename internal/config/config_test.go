package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
discord:
  token: "bot-token"
  channels: ["111", "222"]
  exempt_users: ["999"]
  command_prefix: "!stt"
redis:
  url: "redis://localhost:6379/0"
quota:
  daily_limit_seconds: 600
  scope: guild_user
  timezone: "Asia/Bangkok"
language:
  default_primary: th-TH
  strict_confidence: 2.0
recognizer:
  api_key: "speech-key"
  bucket: "voice-staging"
  sync_max_bytes: 9000000
  long_min_compressed_bytes: 1800000
  poll_interval_seconds: 5
  poll_max_seconds: 900
transcoder:
  max_procs: 4
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Discord.Token != "bot-token" || len(cfg.Discord.Channels) != 2 {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Quota.Scope != "guild_user" || cfg.Quota.DailyLimitSeconds != 600 {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Recognizer.Bucket != "voice-staging" {
		t.Errorf("recognizer = %+v", cfg.Recognizer)
	}
	loc, err := cfg.Quota.Location()
	if err != nil || loc.String() != "Asia/Bangkok" {
		t.Errorf("location = %v, err = %v", loc, err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	yaml := validYAML + "\nextra_section:\n  oops: true\n"
	if _, err := LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("unknown top-level field should be rejected")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Server.LogLevel = "loud"
	cfg.Quota.Scope = "global"
	cfg.Quota.Timezone = "Mars/Olympus"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"server.log_level",
		"discord.token is required",
		"redis.url is required",
		"quota.scope",
		"quota.timezone",
		"recognizer.api_key is required",
		"recognizer.bucket is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got:\n%v", want, err)
		}
	}
}

func TestValidateNegativeNumbers(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Recognizer.SyncMaxBytes = -1
	cfg.Transcoder.MaxProcs = -2
	verr := Validate(cfg)
	if verr == nil {
		t.Fatal("negative values should fail validation")
	}
	if !strings.Contains(verr.Error(), "sync_max_bytes") || !strings.Contains(verr.Error(), "max_procs") {
		t.Errorf("error = %v", verr)
	}
}

func TestDurationDefaults(t *testing.T) {
	var d DiscordConfig
	if d.RequestTimeout() != 90*time.Second {
		t.Errorf("request timeout default = %v", d.RequestTimeout())
	}
	var r RecognizerConfig
	if r.PollInterval() != 5*time.Second || r.PollMax() != 900*time.Second {
		t.Errorf("poll defaults = %v / %v", r.PollInterval(), r.PollMax())
	}
	r.PollIntervalSeconds = 2
	if r.PollInterval() != 2*time.Second {
		t.Errorf("poll interval = %v", r.PollInterval())
	}
}

func TestLogLevelSlog(t *testing.T) {
	cases := map[LogLevel]string{
		LogDebug: "DEBUG",
		LogInfo:  "INFO",
		LogWarn:  "WARN",
		LogError: "ERROR",
		"bogus":  "INFO",
	}
	for lvl, want := range cases {
		if got := lvl.Slog().String(); got != want {
			t.Errorf("Slog(%q) = %q, want %q", lvl, got, want)
		}
	}
}
