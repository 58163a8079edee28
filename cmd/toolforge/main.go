package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tfnats "github.com/Strob0t/ToolForge/internal/adapter/nats"
	tfotel "github.com/Strob0t/ToolForge/internal/adapter/otel"
	"github.com/Strob0t/ToolForge/internal/adapter/redisrate"
	"github.com/Strob0t/ToolForge/internal/adapter/ristretto"
	"github.com/Strob0t/ToolForge/internal/adapter/telegram"
	"github.com/Strob0t/ToolForge/internal/adapter/ws"
	"github.com/Strob0t/ToolForge/internal/config"
	"github.com/Strob0t/ToolForge/internal/domain/job"
	"github.com/Strob0t/ToolForge/internal/domain/tool"
	"github.com/Strob0t/ToolForge/internal/logger"
	"github.com/Strob0t/ToolForge/internal/port/cache"
	"github.com/Strob0t/ToolForge/internal/port/delivery"
	"github.com/Strob0t/ToolForge/internal/port/eventbus"
	portratelimit "github.com/Strob0t/ToolForge/internal/port/ratelimit"
	"github.com/Strob0t/ToolForge/internal/queue"
	"github.com/Strob0t/ToolForge/internal/ratelimit"
	"github.com/Strob0t/ToolForge/internal/service"
	"github.com/Strob0t/ToolForge/internal/tools"
	"github.com/Strob0t/ToolForge/internal/workspace"
)

func main() {
	// Bootstrap logger until config is loaded.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"workers", cfg.Queue.Workers,
		"rate_per_min", cfg.Rate.PerUserPerMinute,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Infrastructure ---

	// Workspace storage. Unusable persistence is fatal by policy: running
	// without it would silently drop user files.
	workspaces, err := workspace.NewManager(cfg.Storage.Dir, time.Duration(cfg.Storage.RetentionHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	stopSweeper := workspaces.StartSweeper(cfg.Storage.CleanupInterval)
	defer stopSweeper()

	// Rate limiter: shared store when configured, in-process otherwise.
	var limiter portratelimit.Limiter
	if cfg.Rate.RedisURL != "" {
		rl, err := redisrate.New(ctx, cfg.Rate.RedisURL, cfg.Rate.PerUserPerMinute)
		if err != nil {
			return fmt.Errorf("redis limiter: %w", err)
		}
		defer func() { _ = rl.Close() }()
		limiter = rl
		slog.Info("rate limiter backend", "kind", "redis")
	} else {
		local := ratelimit.NewLocal(cfg.Rate.PerUserPerMinute)
		stopCleanup := local.StartCleanup(cfg.Rate.CleanupInterval, 10*time.Minute)
		defer stopCleanup()
		limiter = local
		slog.Info("rate limiter backend", "kind", "local")
	}

	// Result cache.
	var results cache.Cache
	if cfg.Cache.SizeMB > 0 {
		rc, err := ristretto.New(cfg.Cache.SizeMB << 20)
		if err != nil {
			return fmt.Errorf("result cache: %w", err)
		}
		defer rc.Close()
		results = rc
	}

	// Optional lifecycle event publisher, decoupled from the dispatch path
	// by a buffered relay so a slow broker never stalls job transitions.
	var relay *eventbus.Relay
	if cfg.NATS.URL != "" {
		var publisher eventbus.Publisher
		publisher, err = tfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		relay = eventbus.NewRelay(publisher, 256)
		defer relay.Close()
	}

	metrics, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	shutdownTracer := tfotel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(context.Background()) }()

	// --- Core ---

	registry := tool.NewRegistry()
	tools.RegisterBuiltins(registry)

	q := queue.New(queue.Options{
		Capacity:    cfg.Queue.Capacity,
		Workers:     cfg.Queue.Workers,
		GracePeriod: cfg.Queue.GracePeriod,
	})

	hub := ws.NewHub()
	q.OnTransition(func(ev job.Event) {
		bg := context.Background()
		metrics.RecordTransition(bg, ev)
		wsCtx, wsCancel := context.WithTimeout(bg, time.Second)
		hub.BroadcastJobEvent(wsCtx, ev)
		wsCancel()
		if relay != nil {
			relay.Offer(ev)
		}
	})
	q.Start(ctx)
	defer q.Stop()

	sessions := service.NewSessionService(cfg.Session.TTL)
	stopSessionSweep := sessions.StartSweep(cfg.Session.SweepInterval)
	defer stopSessionSweep()

	// --- Transport ---

	var sender delivery.Sender
	var client *telegram.Client
	if cfg.Bot.Token != "" {
		client = telegram.NewClient(cfg.Bot.Token)
		sender = client
	} else {
		slog.Warn("BOT_TOKEN not set, telegram transport disabled")
		sender = discardSender{}
	}

	orch := service.NewOrchestrator(
		sessions,
		registry,
		limiter,
		q,
		workspaces,
		sender,
		results,
		cfg.Storage.QuotaMB<<20,
	)

	if client != nil {
		knownTool := func(id string) bool {
			_, ok := registry.Get(id)
			return ok
		}
		poller := telegram.NewPoller(client, orch, knownTool, cfg.Bot.MaxFileMB<<20)
		go func() {
			if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("poller stopped", "error", err)
			}
		}()
	}

	// --- Ops HTTP ---

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/health", healthHandler(q, sessions))
	r.Get("/ws", hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting ops server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports queue depth and tracked session count.
func healthHandler(q *queue.Queue, sessions *service.SessionService) http.HandlerFunc {
	type healthStatus struct {
		Status     string `json:"status"`
		QueueDepth int    `json:"queue_depth"`
		Sessions   int    `json:"sessions"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:     "ok",
			QueueDepth: q.Depth(),
			Sessions:   sessions.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

// discardSender drops outbound messages when no chat transport is configured.
// The ops endpoints stay useful for local development that way.
type discardSender struct{}

func (discardSender) SendText(_ context.Context, chat string, text string) error {
	slog.Debug("discarding text", "chat", chat, "len", len(text))
	return nil
}

func (discardSender) SendFile(_ context.Context, chat string, name string, r io.Reader) error {
	n, _ := io.Copy(io.Discard, r)
	slog.Debug("discarding file", "chat", chat, "name", name, "bytes", n)
	return nil
}

func (discardSender) SendKeyboard(_ context.Context, chat string, text string, _ [][]string) error {
	slog.Debug("discarding keyboard", "chat", chat, "text", text)
	return nil
}
