package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opencorpora/researchd/internal/activities"
	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/config"
	"github.com/opencorpora/researchd/internal/health"
	"github.com/opencorpora/researchd/internal/httpapi"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/session"
	"github.com/opencorpora/researchd/internal/streaming"
	"github.com/opencorpora/researchd/internal/tracing"
	"github.com/opencorpora/researchd/internal/vectordb"
	"github.com/opencorpora/researchd/internal/workflows"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	catalog, err := config.LoadTemplateCatalog(cfg.Research.TemplatesPath)
	if err != nil {
		logger.Fatal("load template catalog", zap.Error(err))
	}

	store, err := session.NewStore(cfg.Redis.Addr, cfg.Redis.TTL, logger)
	if err != nil {
		logger.Fatal("connect transcript store", zap.Error(err))
	}
	defer store.Close()

	acts := &activities.Activities{
		Retrieval: vectordb.NewClient(cfg.VectorDB, logger),
		LLM:       llm.NewClient(cfg.LLM, logger),
		Backoff:   backoff.New(logger),
		Streams:   streaming.Get(),
		Store:     store,
		Catalog:   catalog,
		Cfg:       cfg.Research,
		Logger:    logger,
	}

	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		logger.Fatal("connect temporal", zap.Error(err))
	}
	defer tc.Close()

	w := worker.New(tc, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ResearchWorkflow)
	w.RegisterActivityWithOptions(acts.PlanSubQuestions, activity.RegisterOptions{Name: workflows.ActivityPlanSubQuestions})
	w.RegisterActivityWithOptions(acts.RetrieveSubQuestion, activity.RegisterOptions{Name: workflows.ActivityRetrieveSubQuestion})
	w.RegisterActivityWithOptions(acts.EvaluateProgress, activity.RegisterOptions{Name: workflows.ActivityEvaluateProgress})
	w.RegisterActivityWithOptions(acts.SynthesizeAnswer, activity.RegisterOptions{Name: workflows.ActivitySynthesizeAnswer})
	w.RegisterActivityWithOptions(acts.EmitProgress, activity.RegisterOptions{Name: workflows.ActivityEmitProgress})
	w.RegisterActivityWithOptions(acts.PersistTranscript, activity.RegisterOptions{Name: workflows.ActivityPersistTranscript})

	if err := w.Start(); err != nil {
		logger.Fatal("start worker", zap.Error(err))
	}
	defer w.Stop()

	hm := health.NewManager(logger)
	hm.Register("redis", store.Ping)
	hm.Register("temporal", func(ctx context.Context) error {
		_, err := tc.CheckHealth(ctx, &client.CheckHealthRequest{})
		return err
	})

	mux := http.NewServeMux()
	httpapi.NewResearchHandler(tc, store, streaming.Get(), *cfg, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streaming.Get(), logger).RegisterRoutes(mux)
	mux.HandleFunc("/health", hm.Handler())

	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
