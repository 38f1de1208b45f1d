package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/audio"
	"pitchengine/internal/bot"
	"pitchengine/internal/config"
	"pitchengine/internal/domain"
	"pitchengine/internal/httpapi"
	"pitchengine/internal/logging"
	"pitchengine/internal/pipeline"
	"pitchengine/internal/ratelimit"
	"pitchengine/internal/scraper"
	"pitchengine/internal/scriptgen"
	"pitchengine/internal/storage"
	"pitchengine/internal/voice"
)

func main() {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	creds := cfg.Credentials()
	log.WithFields(logrus.Fields{
		"badgerdb_path": cfg.BadgerDBPath,
		"extractor":     cfg.ExtractorMode,
		"blob_backend":  cfg.BlobBackend,
		"openai":        creds.Has(config.ProviderOpenAI),
		"anthropic":     creds.Has(config.ProviderAnthropic),
		"elevenlabs":    creds.Has(config.ProviderElevenLabs),
	}).Info("Configuration loaded successfully")

	// Create context that listens for interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	log.Info("Initializing components...")

	// Database
	repo, err := storage.NewBadgerRepository(cfg.BadgerDBPath, log)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		log.Info("Closing database...")
		if err := repo.Close(); err != nil {
			log.WithError(err).Error("Error closing database")
		}
	}()
	go repo.RunGC(ctx, cfg.BadgerGCTick)

	// Content extraction
	extractOpts := scraper.DefaultOptions()
	extractOpts.Timeout = cfg.ExtractTimeout
	extractOpts.MaxRedirects = cfg.ExtractMaxRedirects
	if cfg.ExtractUserAgent != "" {
		extractOpts.UserAgent = cfg.ExtractUserAgent
	}
	var extractor scraper.Extractor = scraper.NewCollyExtractor(extractOpts, log)
	if cfg.ExtractorMode == "browser" {
		extractor = scraper.NewRodExtractor(extractOpts, log)
	}

	// Outbound rate limits
	limitStore, err := ratelimit.NewStore(cfg.RateLimitRedisAddr)
	if err != nil {
		log.Fatalf("Failed to initialize rate limit store: %v", err)
	}
	limiter, err := ratelimit.New(limitStore, map[domain.Stage]string{
		domain.StageExtract:    cfg.RateExtract,
		domain.StageGenerate:   cfg.RateGenerate,
		domain.StageSynthesize: cfg.RateSynthesize,
		domain.StageVoice:      cfg.RateSynthesize,
	}, log)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}

	// Script generation, first configured provider wins
	var generator pipeline.ScriptGenerator
	backend, err := scriptgen.SelectBackend(
		scriptgen.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel),
		scriptgen.NewAnthropicBackend(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.AnthropicModel),
	)
	if err != nil {
		log.WithError(err).Warn("Script generation is disabled")
	} else {
		gen := scriptgen.NewGenerator(backend, cfg.GenerateTimeout, log)
		gen.SetGate(limiter)
		generator = gen
		log.WithField("provider", backend.Name()).Info("Script generation enabled")
	}

	// Voice synthesis and cloning
	elevenLabs := voice.NewElevenLabs(voice.ElevenLabsConfig{
		APIKey:          cfg.ElevenLabsAPIKey,
		BaseURL:         cfg.ElevenLabsBaseURL,
		ModelID:         cfg.ElevenLabsModelID,
		Stability:       cfg.ElevenLabsStability,
		SimilarityBoost: cfg.ElevenLabsSimilarityBoost,
	}, log)
	if !elevenLabs.Configured() {
		log.Warn("Voice synthesis is disabled: ELEVENLABS_API_KEY is not set")
	}

	// Audio blobs
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize audio storage: %v", err)
	}
	janitor := audio.NewJanitor(repo, blobs, cfg.AssetRetention, cfg.AssetSweepSchedule, log)
	if err := janitor.Start(ctx); err != nil {
		log.Fatalf("Failed to start audio janitor: %v", err)
	}
	defer janitor.Stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Pipeline
	orchestrator := pipeline.NewOrchestrator(pipeline.Deps{
		Repo:        repo,
		Extractor:   extractor,
		Generator:   generator,
		Synthesizer: elevenLabs,
		Cloner:      elevenLabs,
		Assets:      audio.NewManager(blobs, log),
		Limiter:     limiter,
		Metrics:     pipeline.NewMetrics(registry),
	}, pipeline.Config{
		SynthesizeTimeout: cfg.SynthesizeTimeout,
		MaxChars:          cfg.SynthesisMaxChars,
		BatchConcurrency:  cfg.BatchConcurrency,
	}, log)

	// --- Application Startup ---
	log.Info("Starting PitchEngine...")

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(orchestrator, registry, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server stopped unexpectedly")
			stop()
		}
	}()

	// Start the bot polling in a separate goroutine
	if cfg.TelegramBotToken != "" {
		botHandler, err := bot.NewHandler(cfg.TelegramBotToken, orchestrator, log)
		if err != nil {
			log.Fatalf("Failed to initialize Telegram bot handler: %v", err)
		}
		go botHandler.Start(ctx)
	} else {
		log.Info("TELEGRAM_BOT_TOKEN is not set, the bot is disabled")
	}

	log.Info("PitchEngine is running. Press Ctrl+C to exit.")

	// --- Wait for Shutdown Signal ---
	<-ctx.Done()

	// --- Graceful Shutdown ---
	log.Info("Shutting down PitchEngine...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}

	// The deferred janitor.Stop() and repo.Close() run now.
	log.Info("PitchEngine shut down gracefully.")
}

// newBlobStore picks the audio blob backend named by BLOB_BACKEND.
func newBlobStore(ctx context.Context, cfg config.Config) (audio.BlobStore, error) {
	if cfg.BlobBackend == "minio" {
		return audio.NewMinioStore(ctx, audio.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return audio.NewFileStore(cfg.AudioDir)
}
