package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/taskrelay/taskrelay/internal/agent"
	agentrepo "github.com/taskrelay/taskrelay/internal/agent/repositoryimpl"
	attemptrepo "github.com/taskrelay/taskrelay/internal/attemptlog/repositoryimpl"
	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/delivery"
	"github.com/taskrelay/taskrelay/internal/dispatch"
	"github.com/taskrelay/taskrelay/internal/eventbus"
	"github.com/taskrelay/taskrelay/internal/httpapi"
	"github.com/taskrelay/taskrelay/internal/notify"
	notifyrepo "github.com/taskrelay/taskrelay/internal/notify/repositoryimpl"
	"github.com/taskrelay/taskrelay/internal/task"
	taskrepo "github.com/taskrelay/taskrelay/internal/task/repositoryimpl"
	"github.com/taskrelay/taskrelay/pkg/clog"
	"github.com/taskrelay/taskrelay/pkg/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sentinel" {
		runSentinel()
		return
	}

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocal(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup repositories
	taskRepo := taskrepo.NewYAMLRepository(store)
	agentRepo := agentrepo.NewYAMLRepository(store)
	attemptRepo := attemptrepo.NewYAMLRepository(store)
	subRepo := notifyrepo.NewYAMLRepository(store)

	// Setup services
	registry := agent.NewRegistry(agentRepo)
	taskService := task.NewService(taskRepo, bus)

	channel := delivery.NewHTTPChannel(env.DispatchEnv.SessionAPIBaseURL, env.DispatchEnv.DeliveryTimeout)
	scheduler := dispatch.NewScheduler(taskRepo, attemptRepo, channel, bus)
	taskService.SetDispatcher(scheduler)
	loop := dispatch.NewLoop(scheduler, registry, bus, env.DispatchEnv.Interval)

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := notify.NewSender(vapidEnv, subRepo)
	pushDispatcher := notify.NewDispatcher(bus, pushSender)

	srv := httpapi.NewServer(env, taskService, scheduler, registry, attemptRepo, subRepo)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	wg := conc.NewWaitGroup()
	wg.Go(func() { loop.Run(ctx) })
	wg.Go(func() { pushDispatcher.Start(ctx) })
	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after request contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	wg.Wait()
}
