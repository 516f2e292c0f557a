// Command echoscribe runs the Discord voice-message transcription bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/google"

	"github.com/takerng/echoscribe/internal/config"
	discordbot "github.com/takerng/echoscribe/internal/discord"
	"github.com/takerng/echoscribe/internal/gcs"
	"github.com/takerng/echoscribe/internal/health"
	"github.com/takerng/echoscribe/internal/lang"
	"github.com/takerng/echoscribe/internal/langhist"
	"github.com/takerng/echoscribe/internal/media"
	"github.com/takerng/echoscribe/internal/observe"
	"github.com/takerng/echoscribe/internal/quota"
	"github.com/takerng/echoscribe/internal/recognize"
	"github.com/takerng/echoscribe/internal/stt"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// The log level is the one setting worth hot-reloading; everything else
	// needs a restart to re-wire clients.
	logLevel := new(slog.LevelVar)
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			logLevel.Set(new.Server.LogLevel.Slog())
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echoscribe: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echoscribe: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	logLevel.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("echoscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echoscribe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Redis (quota + language history) ──────────────────────────────────────
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid redis url", "err", err)
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	tz, err := cfg.Quota.Location()
	if err != nil {
		slog.Error("invalid quota timezone", "err", err)
		return 1
	}
	quotaStore := quota.NewStore(rdb, tz,
		quota.WithScope(cfg.Quota.Scope),
		quota.WithFailClosed(cfg.Quota.FailClosed),
	)
	histStore := langhist.NewStore(rdb)

	// ── Object store + recognizers ────────────────────────────────────────────
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		slog.Error("failed to create storage client", "err", err)
		return 1
	}
	defer storageClient.Close()

	var gcsOpts []gcs.StoreOption
	if cfg.Recognizer.BucketPrefix != "" {
		gcsOpts = append(gcsOpts, gcs.WithPrefix(cfg.Recognizer.BucketPrefix))
	}
	if d := cfg.Recognizer.DeleteDelaySeconds; d > 0 {
		gcsOpts = append(gcsOpts, gcs.WithDeleteDelay(time.Duration(d)*time.Second))
	}
	objects, err := gcs.NewStore(storageClient, cfg.Recognizer.Bucket, gcsOpts...)
	if err != nil {
		slog.Error("failed to create object store", "err", err)
		return 1
	}

	tokens, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		slog.Error("failed to create token source", "err", err)
		return 1
	}

	var syncOpts []recognize.SyncOption
	if cfg.Recognizer.SyncMaxBytes > 0 {
		syncOpts = append(syncOpts, recognize.WithSyncMaxBytes(cfg.Recognizer.SyncMaxBytes))
	}
	syncRec, err := recognize.NewSyncClient(cfg.Recognizer.APIKey, syncOpts...)
	if err != nil {
		slog.Error("failed to create sync recognizer", "err", err)
		return 1
	}
	longRec, err := recognize.NewLongClient(objects, tokens,
		recognize.WithPollInterval(cfg.Recognizer.PollInterval()),
		recognize.WithPollMax(cfg.Recognizer.PollMax()),
	)
	if err != nil {
		slog.Error("failed to create long recognizer", "err", err)
		return 1
	}

	// ── Transcoder + language resolution ──────────────────────────────────────
	transcoder := media.NewTranscoder(
		media.WithFFmpegPath(cfg.Transcoder.FFmpegPath),
		media.WithFFprobePath(cfg.Transcoder.FFprobePath),
		media.WithMaxProcs(cfg.Transcoder.MaxProcs),
	)

	var langOpts []lang.Option
	if cfg.Language.DefaultPrimary != "" {
		langOpts = append(langOpts, lang.WithDefaultPrimary(cfg.Language.DefaultPrimary))
	}
	if cfg.Language.StrictConfidence > 0 {
		langOpts = append(langOpts, lang.WithStrictConfidence(cfg.Language.StrictConfidence))
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	var svcOpts []stt.ServiceOption
	if cfg.Quota.DailyLimitSeconds > 0 {
		svcOpts = append(svcOpts, stt.WithDailyLimit(cfg.Quota.DailyLimitSeconds))
	}
	if cfg.Recognizer.SyncMaxBytes > 0 {
		svcOpts = append(svcOpts, stt.WithSyncMaxBytes(cfg.Recognizer.SyncMaxBytes))
	}
	if cfg.Recognizer.LongMinCompressedBytes > 0 {
		svcOpts = append(svcOpts, stt.WithLongMinCompressed(cfg.Recognizer.LongMinCompressedBytes))
	}
	svc, err := stt.NewService(stt.Deps{
		Quota:      quotaStore,
		History:    histStore,
		Transcoder: transcoder,
		Sync:       syncRec,
		Long:       longRec,
		Resolver:   lang.NewResolver(langOpts...),
		Metrics:    metrics,
	}, svcOpts...)
	if err != nil {
		slog.Error("failed to build transcription service", "err", err)
		return 1
	}

	// ── Admin endpoint (health + metrics) ─────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.PingChecker("redis", quotaStore),
		health.PingChecker("bucket", objects),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	adminSrv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		slog.Info("admin endpoint listening", "addr", listenAddr)
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "err", err)
		}
	}()

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(discordbot.Config{
		Token:          cfg.Discord.Token,
		Channels:       cfg.Discord.Channels,
		ExemptUsers:    cfg.Discord.ExemptUsers,
		CommandPrefix:  cfg.Discord.CommandPrefix,
		RequestTimeout: cfg.Discord.RequestTimeout(),
		Timezone:       tz,
	}, svc, quotaStore, metrics)
	if err != nil {
		slog.Error("failed to start Discord bot", "err", err)
		return 1
	}

	slog.Info("echoscribe ready — press Ctrl+C to shut down")
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bot error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin server shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}
