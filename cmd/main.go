package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/internal/commands"
	"github.com/aokatsuki/kanade/internal/config"
	"github.com/aokatsuki/kanade/internal/handlers"
	"github.com/aokatsuki/kanade/internal/metrics"
	"github.com/aokatsuki/kanade/internal/presence"
	"github.com/aokatsuki/kanade/internal/sources"
	"github.com/aokatsuki/kanade/pkg/audio"
	"github.com/aokatsuki/kanade/pkg/fetch"
	"github.com/aokatsuki/kanade/pkg/meting"
	"github.com/aokatsuki/kanade/pkg/safeurl"
	"github.com/aokatsuki/kanade/pkg/session"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator := safeurl.New(logger)
	fetcher := fetch.New(validator, fetch.Limits{
		MaxBytes:     cfg.MaxFileSize,
		MaxRedirects: cfg.MaxRedirects,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, fetch.Options{
		TempDir:           cfg.TempDir,
		Concurrency:       int64(cfg.DownloadConcurrency),
		StrictContentType: cfg.StrictContentType,
		StrictFormat:      cfg.StrictFormat,
	}, logger)

	metingClient, err := meting.NewClient(ctx, cfg.MetingAPIURL, validator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up meting client")
	}

	segmenter := audio.NewSegmenter(cfg.TempDir, cfg.SegmentDuration, logger)
	scheduler := audio.NewScheduler(cfg.SendInterval, logger)
	registry := session.NewRegistry(cfg.DefaultSource, logger)
	resolver := sources.NewYouTubeResolver(logger)
	met := metrics.New()

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	commands.Setup(&commands.Deps{
		Ctx:       ctx,
		Config:    cfg,
		Logger:    logger,
		Meting:    metingClient,
		Fetcher:   fetcher,
		Segmenter: segmenter,
		Scheduler: scheduler,
		Sessions:  registry,
		YouTube:   resolver,
		Metrics:   met,
	})
	dg.AddHandler(handlers.MessageHandler)

	// Session eviction and orphaned temp file sweeping run for the whole
	// process lifetime.
	go registry.Run(ctx, session.RunConfig{
		Interval:   cfg.SweepInterval,
		SessionTTL: cfg.SessionTTL,
		TempDir:    cfg.TempDir,
		FilePrefix: fetch.TempPrefix,
		FileMaxAge: cfg.FileMaxAge,
		OnSweep:    met.ObserveSweep,
	})

	if cfg.MetricsAddr != "" {
		go func() {
			updateGauges := func() { met.SetActiveSessions(registry.Len()) }
			if err := met.Serve(ctx, cfg.MetricsAddr, updateGauges, logger); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	if err := dg.Open(); err != nil {
		logger.Fatal().Err(err).Msg("failed to open Discord session")
	}

	pm := presence.NewManager(dg, registry, logger)
	go pm.Run(ctx)

	logger.Info().Msg("bot is running, press CTRL-C to exit")
	<-ctx.Done()

	dg.Close()
	logger.Info().Msg("shut down")
}
