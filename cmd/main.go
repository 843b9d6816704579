// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/config"
	"github.com/Shivanand-hulikatti/study-meetups/internal/database"
	"github.com/Shivanand-hulikatti/study-meetups/internal/handler"
	"github.com/Shivanand-hulikatti/study-meetups/internal/logging"
	"github.com/Shivanand-hulikatti/study-meetups/internal/notification"
	"github.com/Shivanand-hulikatti/study-meetups/internal/repository"
	"github.com/Shivanand-hulikatti/study-meetups/internal/service"
	"github.com/Shivanand-hulikatti/study-meetups/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const serviceName = "study-meetups"

type feedStore interface {
	notification.Feed
	handler.Feed
}

type memberStore interface {
	notification.Members
	handler.Members
}

// stores bundles the persistence backends selected by configuration.
type stores struct {
	events  service.Store
	feed    feedStore
	members memberStore
	close   func()
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Tracing ────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OtelEndpoint, cfg.OtelEnabled)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	// ── 2. Storage ────────────────────────────────────────────────────────
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// ── 3. Wire up layers ────────────────────────────────────────────────
	dispatcher := notification.NewDispatcher(st.feed, st.members, cfg.NotificationBuffer, logger)
	eventSvc := service.NewEventService(st.events, dispatcher, service.WithLogger(logger))
	eventHandler := handler.NewEventHandler(eventSvc, st.members, st.feed)

	// ── 4. Build the router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(handler.Logger(logger))
	r.Use(handler.CORS)
	eventHandler.Routes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── 5. Serve until a signal arrives ───────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if n := dispatcher.Dropped(); n > 0 {
		logger.Warn("notifications dropped", "count", n)
	}
	logger.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return &stores{
			events:  repository.NewMemoryEventRepository(),
			feed:    repository.NewMemoryNotificationRepository(),
			members: repository.NewMemoryMemberRepository(),
			close:   func() {},
		}, nil
	}

	pool, err := database.NewPool(ctx, cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: %w", err)
	}
	logger.Info("connected to postgres", "host", cfg.DB.Host, "db", cfg.DB.DBName)

	return &stores{
		events:  repository.NewEventRepository(pool),
		feed:    repository.NewNotificationRepository(pool),
		members: repository.NewMemberRepository(pool),
		close:   pool.Close,
	}, nil
}
