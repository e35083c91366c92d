package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"comicgen/internal/adapter/repo"
	"comicgen/internal/broadcast"
	"comicgen/internal/comics"
	"comicgen/internal/domain"
	"comicgen/internal/http/handlers"
	httpapi "comicgen/internal/http/httpapi"
	"comicgen/internal/infra"
	"comicgen/internal/limiter"
	"comicgen/internal/notify"
	"comicgen/internal/persist"
	"comicgen/internal/pipeline"
	"comicgen/internal/providers/genai"
	"comicgen/internal/providers/image"
	"comicgen/internal/providers/prompt"
	"comicgen/internal/registry"
	"comicgen/internal/retry"
	"comicgen/internal/storage"
	"comicgen/internal/supervisor"
)

func main() {
	// Load .env when present
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.JobStore).Msg("failed to open job store")
	}
	defer closeStore()

	pc := cfg.Pipeline
	committer := persist.NewCommitter(store, policyFrom(pc.CommitRetry), logger)
	reg := registry.New(committer, logger)
	if pc.RecoverInterrupted {
		n, err := reg.FailInterrupted(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to mark interrupted jobs")
		} else if n > 0 {
			logger.Warn().Int("jobs", n).Msg("marked interrupted jobs as failed")
		}
		n, err = reg.ResolveAbandoned(ctx, pc.PlaceholderURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to resolve abandoned pages")
		} else if n > 0 {
			logger.Warn().Int("jobs", n).Msg("resolved abandoned pages on completed jobs")
		}
	}

	client, err := genai.NewClient(genai.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		TextModel:  cfg.GeminiTextModel,
		ImageModel: cfg.GeminiImageModel,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gemini client")
	}
	text, err := textGenerator(cfg, client, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", cfg.TextProvider).Msg("failed to build text provider")
	}
	if cfg.ImageProvider != genai.ProviderName {
		logger.Fatal().Str("provider", cfg.ImageProvider).Msg("unsupported image provider")
	}
	if !client.HasKey() {
		logger.Warn().Msg("GEMINI_API_KEY not set; page images are synthetic")
	}
	images := image.NewGeminiGenerator(client, "")

	files, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare asset storage")
	}

	var amqpPublisher *notify.AMQPPublisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err = notify.DialAMQP(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect message broker")
		}
		defer amqpPublisher.Close()
	}
	var notifier pipeline.Notifier
	if n := notify.Build(notify.NewWebhook(cfg.WebhookURL(), cfg.WebhookTimeout, nil), amqpPublisher); n != nil {
		notifier = notify.Logged{Next: n, Logger: infra.Component(logger, "notify")}
	}

	hub := broadcast.New(logger, cfg.BroadcastTimeout)
	pipe := pipeline.New(pipeline.Deps{
		Registry:  reg,
		Text:      text,
		Images:    images,
		Assets:    files,
		Limits:    limiter.NewSet(pc.ProviderConcurrency, pc.DefaultConcurrency),
		Publisher: hub,
		Notifier:  notifier,
	}, pipeline.Config{
		PagesPerComic:    pc.PagesPerComic,
		ImageBatchSize:   pc.ImageBatchSize,
		ImageBatchDelay:  pc.ImageBatchDelay,
		FlushEvery:       pc.FlushEvery,
		ProviderRetry:    policyFrom(pc.ProviderRetry),
		TextTimeout:      pc.TextTimeout,
		ImageCallTimeout: pc.ImageCallTimeout,
		NotifyTimeout:    cfg.WebhookTimeout,
		PlaceholderURL:   pc.PlaceholderURL,
	}, logger)
	svc := comics.NewService(reg, pipe, supervisor.New(logger), hub, comics.Config{
		ListDefaultLimit: cfg.ListDefaultLimit,
		ListMaxLimit:     cfg.ListMaxLimit,
		MaxExtendPages:   pc.MaxExtendPages,
	}, logger)

	app := handlers.NewApp(svc, files, logger)
	app.ExtendPages = cfg.ExtendPages
	app.WSOriginPatterns = cfg.WSOriginPatterns
	router := httpapi.NewRouter(app, httpapi.Options{
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AuthSecret:      cfg.AuthSecret,
		DefaultLocale:   cfg.DefaultLocale,
		StaticDir:       files.BasePath(),
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)
	go func() {
		logger.Info().
			Str("store", cfg.JobStore).
			Str("text_provider", text.Name()).
			Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("background runs did not finish")
	}
	logger.Info().Msg("server stopped")
}

type schemaStore interface {
	domain.JobStore
	EnsureSchema(ctx context.Context) error
}

// openStore opens the configured job store and creates its schema.
func openStore(ctx context.Context, cfg *infra.Config, logger infra.Logger) (domain.JobStore, func(), error) {
	var (
		store   schemaStore
		closeFn = func() {}
	)
	switch cfg.JobStore {
	case infra.StoreMemory:
		logger.Warn().Msg("using in-memory job store; jobs are lost on restart")
		return repo.NewMemoryStore(), closeFn, nil
	case infra.StoreSQLite:
		db, err := infra.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		s := repo.NewSQLiteStore(db, infra.Component(logger, "sqlite"))
		store, closeFn = s, func() { _ = s.Close() }
	case infra.StorePostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store = repo.NewPostgresStore(infra.NewSQLRunner(pool, infra.Component(logger, "postgres")))
		closeFn = pool.Close
	default:
		return nil, nil, fmt.Errorf("unsupported job store %q", cfg.JobStore)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, closeFn, nil
}

// textGenerator picks the script writer. Without credentials the static
// writer keeps the service usable for local work.
func textGenerator(cfg *infra.Config, client *genai.Client, logger infra.Logger) (pipeline.TextGenerator, error) {
	switch cfg.TextProvider {
	case prompt.ProviderGemini:
		if !client.HasKey() {
			logger.Warn().Msg("GEMINI_API_KEY not set; using static script writer")
			return prompt.NewStaticWriter(), nil
		}
		return prompt.NewGeminiWriter(client)
	case prompt.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			logger.Warn().Msg("OPENAI_API_KEY not set; using static script writer")
			return prompt.NewStaticWriter(), nil
		}
		return prompt.NewOpenAIWriter(prompt.OpenAIOptions{
			APIKey:       cfg.OpenAIAPIKey,
			Model:        cfg.OpenAIModel,
			BaseURL:      cfg.OpenAIBaseURL,
			Organization: cfg.OpenAIOrg,
			OnWarning: func(reason, detail string) {
				logger.Warn().Str("reason", reason).Msg(detail)
			},
		})
	case prompt.ProviderStatic:
		return prompt.NewStaticWriter(), nil
	default:
		return nil, fmt.Errorf("unsupported text provider %q", cfg.TextProvider)
	}
}

func policyFrom(c infra.RetryConfig) retry.Policy {
	return retry.Policy{Attempts: c.Attempts, Base: c.Base, Cap: c.Cap}
}
