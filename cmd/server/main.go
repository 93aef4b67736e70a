// personagate - persona chat gatekeeper server
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/personagate/internal/agent"
	"github.com/ashureev/personagate/internal/analytics"
	"github.com/ashureev/personagate/internal/api"
	"github.com/ashureev/personagate/internal/config"
	"github.com/ashureev/personagate/internal/identity"
	"github.com/ashureev/personagate/internal/llm"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/ashureev/personagate/internal/metrics"
	"github.com/ashureev/personagate/internal/middleware"
	"github.com/ashureev/personagate/internal/notify"
	"github.com/ashureev/personagate/internal/quota"
	"github.com/ashureev/personagate/internal/reset"
	"github.com/ashureev/personagate/internal/retention"
	"github.com/ashureev/personagate/internal/scope"
	"github.com/ashureev/personagate/internal/store"
	"github.com/ashureev/personagate/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	mode := pflag.String("mode", "", "run mode: local or production (overrides APP_MODE)")
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}
	if *mode != "" {
		_ = os.Setenv("APP_MODE", *mode)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		slog.Warn("Configuration warning", "warning", w)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// newLogger writes JSON logs to stdout and, when LOG_FILE is set, to a
// rotated file.
func newLogger(cfg *config.Config) (*slog.Logger, func()) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), closeFn
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "mode", cfg.Mode, "version", version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Persistence.
	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	imported, err := store.ImportLegacyApprovals(ctx, repo, cfg.LegacyApprovalsPath, logger)
	if err != nil {
		return fmt.Errorf("import legacy approvals: %w", err)
	}
	if imported > 0 {
		slog.Info("Imported legacy approvals", "count", imported)
	}

	checks := map[string]api.Pinger{"database": repo}
	var sessions store.SessionStore = repo
	var sweeper retention.SessionSweeper = repo
	if cfg.SessionBackend == "redis" {
		rs, err := store.NewRedisSessionStore(cfg.RedisURL, cfg.SessionTTL, logger)
		if err != nil {
			return fmt.Errorf("initialize redis sessions: %w", err)
		}
		defer func() { _ = rs.Close() }()
		sessions = rs
		sweeper = nil
		checks["sessions"] = rs
		slog.Info("Using redis session store")
	}

	logs := logstore.New(cfg.LogDir, logstore.WithLogger(logger), logstore.WithMetrics(m))

	// Classification.
	rules, err := loadRules(cfg.ScopeRulesPath)
	if err != nil {
		return err
	}
	entities, err := scope.LoadEntities(cfg.PersonaPath, cfg.KnownEntities)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	slog.Info("Scope rules loaded", "categories", len(rules.Categories), "entities", entities.Len())

	client := llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	heuristic := scope.NewHeuristic(rules, append([]string{cfg.PersonaName}, entities.Names()...)...)
	var semantic *scope.Semantic
	if cfg.LLM.SemanticEnabled && cfg.LLM.APIKey != "" {
		semantic = scope.NewSemantic(client, logs, scope.SemanticConfig{
			Model:  cfg.LLM.ClassifierModel,
			Prompt: scope.BuildPrompt(cfg.PersonaName, entities.Names()),
		})
	} else {
		slog.Warn("Semantic classification disabled, deferred queries are treated as in scope")
	}
	classifier := scope.NewClassifier(heuristic, semantic, logger, m)

	// Quota and reset workflow.
	q := quota.NewController(quota.Limits{
		MaxTurns:         cfg.Quota.MaxTurns,
		WarningThreshold: cfg.Quota.WarningThreshold,
		CutoffThreshold:  cfg.Quota.CutoffThreshold,
	})
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	workflow := reset.New(repo, repo, q, notifier, reset.WithLogger(logger), reset.WithMetrics(m))
	defer workflow.Wait()

	svc := agent.NewService(agent.Deps{
		Sessions:   sessions,
		Classifier: classifier,
		Quota:      q,
		Reset:      workflow,
		LLM:        client,
		Log:        logs,
		Responder:  scope.NewResponder(cfg.PersonaName),
		Persona:    agent.NewPersona(cfg.PersonaPath, cfg.PersonaName, logger),
		Tunables:   config.NewTunablesLoader(cfg.TunablesPath, config.Tunables{ConversationHistoryLimit: cfg.HistoryLimit}),
	}, agent.ServiceConfig{
		ChatModel:               cfg.LLM.ChatModel,
		VettingModel:            cfg.LLM.VettingModel,
		MaxTokens:               500,
		Temperature:             0.7,
		MaxQueryLength:          cfg.MaxQueryLength,
		MaxJobDescriptionLength: cfg.MaxJobDescriptionLength,
		Version:                 version,
	}, agent.WithLogger(logger), agent.WithMetrics(m))

	analyticsOpts := []analytics.Option{analytics.WithLogger(logger)}
	if cfg.LLM.UsageAPIKey != "" {
		analyticsOpts = append(analyticsOpts, analytics.WithUsageAPI(analytics.NewOpenAIUsage(cfg.LLM.UsageAPIKey, "", nil)))
	}
	engine := analytics.New(logs, analyticsOpts...)

	// Handlers.
	tokens := identity.NewTokens(cfg.SessionSecret, cfg.SessionTTL, cfg.IsDevelopment())
	chatHandler := agent.NewHandler(svc, cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
	adminHandler := api.NewAdminHandler(svc, workflow, engine, cfg.AdminKey, logger)
	healthHandler := api.NewHealthHandler(checks, 5*time.Second)

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens))
		chatHandler.RegisterRoutes(r)
		adminHandler.RegisterRoutes(r)
		r.Handle("/*", web.Handler())
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	retentionDone, err := retention.New(logs, sweeper, retention.Config{
		Days:       cfg.Retention.Days,
		SessionTTL: cfg.SessionTTL,
		Schedule:   cfg.Retention.Schedule,
	}, logger).Start(ctx)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-retentionDone
			return fmt.Errorf("listen: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	<-retentionDone
	workflow.Wait()

	slog.Info("Server stopped successfully")
	return nil
}

func loadRules(path string) (*scope.Rules, error) {
	if path == "" {
		return scope.DefaultRules()
	}
	rules, err := scope.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("load scope rules: %w", err)
	}
	return rules, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	if !cfg.SMTP.Enabled() {
		slog.Info("SMTP not configured, extension request emails disabled")
		return notify.Discard{Logger: logger}, nil
	}
	n, err := notify.NewSMTP(notify.SMTPConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		UseTLS:     cfg.SMTP.UseTLS,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		AdminEmail: cfg.SMTP.AdminEmail,
		AppURL:     cfg.SMTP.AppURL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize smtp notifier: %w", err)
	}
	return n, nil
}
