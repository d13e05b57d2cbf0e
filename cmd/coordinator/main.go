// Command coordinator runs the task-lifecycle API: it accepts task creation
// over HTTP, dispatches the DAG plan's stages over the broker, and serves
// status/progress/abort/template/analytics queries, mirroring
// services/orchestrator/main.go's single-binary shape.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/mcp/internal/api"
	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/coordinator"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/mcptask"
	"github.com/swarmguard/mcp/internal/platform/config"
	"github.com/swarmguard/mcp/internal/platform/logging"
	"github.com/swarmguard/mcp/internal/platform/otelinit"
	"github.com/swarmguard/mcp/internal/store/archive"
	"github.com/swarmguard/mcp/internal/store/kv"
)

// dispatchedStages are the stages the coordinator publishes over the
// broker's durable stream; response_packaging is handled in-process and
// never dispatched.
var dispatchedStages = []string{"intent", "retrieval", "reasoning", "moderation", "web_augmentation"}

func main() {
	const service = "mcp-coordinator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	store, err := kv.Open(cfg.StoreDir)
	if err != nil {
		slog.Error("open kv store failed", "error", err)
		return
	}
	defer func() { _ = store.Close() }()

	var archiveDB *archive.Store
	if db, err := archive.Open(ctx, cfg.ArchiveDSN); err != nil {
		slog.Warn("archive unavailable, terminal tasks will not be durably archived", "error", err)
	} else {
		archiveDB = db
		defer archiveDB.Close()
	}

	registry := dagtemplate.NewRegistry(cfg.DefaultTemplate)
	if err := dagtemplate.RegisterDefaults(ctx, registry); err != nil {
		slog.Error("register default dag templates failed", "error", err)
		return
	}
	if archiveDB != nil {
		rows, err := archiveDB.LoadTemplates(ctx)
		if err != nil {
			slog.Warn("loading persisted dag templates failed, continuing with defaults only", "error", err)
		}
		for _, row := range rows {
			tpl := dagtemplate.Template{Name: row.Name, Stages: row.Stages, SelectionRule: row.SelectionRule}
			if err := registry.Register(ctx, tpl); err != nil {
				slog.Warn("registering persisted dag template failed", "template", row.Name, "error", err)
			}
		}
	}

	brk, err := broker.Connect(ctx, cfg.BrokerURL, dispatchedStages)
	if err != nil {
		slog.Error("connect to broker failed", "error", err)
		return
	}
	defer brk.Close()

	var archiveSink coordinator.ArchiveSink
	if archiveDB != nil {
		archiveSink = archiveDB
	}
	coord := coordinator.New(store, brk, registry, archiveSink, cfg)

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	go coord.StartCleanupLoop(cleanupCtx, time.Minute, 10*time.Minute)

	sweeper, err := kv.NewSweeper(store, "@every 1m", func(ctx context.Context, rec *mcptask.Record) {
		if archiveDB == nil {
			return
		}
		if err := archiveDB.ArchiveTask(ctx, rec); err != nil {
			slog.Warn("archiving evicted task failed", "task_id", rec.TaskID, "error", err)
		}
	})
	if err != nil {
		slog.Error("build retention sweeper failed", "error", err)
		return
	}
	sweeper.Start()
	defer sweeper.Stop()

	mux := api.NewServer(coord, registry, archiveDB).Routes()
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	slog.Info("coordinator started", "addr", cfg.HTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	stopCleanup()
	if n := coord.Shutdown("process shutdown"); n > 0 {
		slog.Info("cancelled in-flight task executions", "count", n)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
