package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	server "github.com/kazz187/longrun/internal"
	"github.com/kazz187/longrun/internal/approval"
	auditrepo "github.com/kazz187/longrun/internal/audit/repositoryimpl"
	"github.com/kazz187/longrun/internal/capability"
	"github.com/kazz187/longrun/internal/config"
	"github.com/kazz187/longrun/internal/eventbus"
	"github.com/kazz187/longrun/internal/notifier"
	"github.com/kazz187/longrun/internal/orchestrator"
	"github.com/kazz187/longrun/internal/pushnotification"
	pushsubrepo "github.com/kazz187/longrun/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/longrun/internal/queue"
	"github.com/kazz187/longrun/internal/task"
	taskrepo "github.com/kazz187/longrun/internal/task/repositoryimpl"
	"github.com/kazz187/longrun/internal/worker"
	"github.com/kazz187/longrun/pkg/clog"
	"github.com/kazz187/longrun/pkg/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "sentinel" {
		runSentinel()
		return
	}
	runServer()
}

func runServer() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus and repositories
	bus := eventbus.New()
	taskRepo := taskrepo.NewYAMLRepository(store)
	auditRepo := auditrepo.NewYAMLRepository(store)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	// Setup capabilities
	capabilityEnv := config.CapabilityEnvFromEnv(env)
	agent := capability.NewClaudeAgent(capabilityEnv)
	router := capability.NewRouter(agent)
	router.Register("shell", capability.NewShellRunner(capabilityEnv))

	// Setup orchestrator and workers
	workerEnv := config.WorkerEnvFromEnv(env)
	jobQueue := queue.NewMemoryQueue(workerEnv.QueueCapacity)
	orch := orchestrator.New(taskRepo, auditRepo, approval.NewGate(), jobQueue, bus, agent, agent, workerEnv)
	locker := worker.NewLocker(workerEnv.LeaseTTL)
	pool := worker.NewPool(jobQueue, locker, worker.NewExecutor(orch, router, locker, workerEnv), workerEnv)

	// Setup notifiers
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := pushnotification.NewSender(vapidEnv, pushSubRepo)
	pushNotificationServer := pushnotification.NewServer(vapidEnv, pushSubRepo, pushSender)
	pushDispatcher := pushnotification.NewDispatcher(bus, taskRepo, pushSender)
	tracker := notifier.NewTracker(bus)

	taskServer := task.NewServer(orch, tracker)
	srv := server.NewServer(env, taskServer, pushNotificationServer)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go tracker.Start(ctx)
	go pushDispatcher.Start(ctx)
	pool.Start(ctx)
	orch.StartApprovalJanitor(ctx)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after request contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	pool.Wait()
}
