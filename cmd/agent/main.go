// Command agent runs one process hosting every specialist stage consumer:
// intent, retrieval, reasoning, moderation, and web augmentation. Each
// subscribes to its own durable stage queue independently, so the fleet
// scales by running more of this same binary, not by splitting packages.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/mcp/internal/agentruntime"
	"github.com/swarmguard/mcp/internal/agents/intent"
	"github.com/swarmguard/mcp/internal/agents/moderation"
	"github.com/swarmguard/mcp/internal/agents/reasoning"
	"github.com/swarmguard/mcp/internal/agents/retrieval"
	"github.com/swarmguard/mcp/internal/agents/webaugment"
	"github.com/swarmguard/mcp/internal/broker"
	"github.com/swarmguard/mcp/internal/dagtemplate"
	"github.com/swarmguard/mcp/internal/platform/config"
	"github.com/swarmguard/mcp/internal/platform/logging"
	"github.com/swarmguard/mcp/internal/platform/otelinit"
)

var dispatchedStages = []string{"intent", "retrieval", "reasoning", "moderation", "web_augmentation"}

func main() {
	const service = "mcp-agent"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)

	registry := dagtemplate.NewRegistry(cfg.DefaultTemplate)
	if err := dagtemplate.RegisterDefaults(ctx, registry); err != nil {
		slog.Error("register default dag templates failed", "error", err)
		return
	}

	brk, err := broker.Connect(ctx, cfg.BrokerURL, dispatchedStages)
	if err != nil {
		slog.Error("connect to broker failed", "error", err)
		return
	}
	defer brk.Close()

	reasoningAgent, err := reasoning.New(cfg.InferenceServiceURL, cfg.ReasoningTokenBudget)
	if err != nil {
		slog.Error("build reasoning agent failed", "error", err)
		return
	}
	moderationAgent, err := moderation.New(ctx, cfg.ModerationBlockThreshold)
	if err != nil {
		slog.Error("build moderation agent failed", "error", err)
		return
	}
	retrievalAgent := retrieval.New(cfg.RetrievalServiceURL, cfg.RetrievalTopK)
	webAgent := webaugment.New(cfg.WebSearchServiceURL, cfg.WebSearchMaxHits)

	consumers := []*agentruntime.Consumer{
		agentruntime.NewConsumer(brk, "intent", cfg.AgentConcurrency, cfg.StageTimeout, intent.Body(registry)),
		agentruntime.NewConsumer(brk, "retrieval", cfg.AgentConcurrency, cfg.StageTimeout, retrievalAgent.Body),
		agentruntime.NewConsumer(brk, "reasoning", cfg.AgentConcurrency, cfg.StageTimeout, reasoningAgent.Body),
		agentruntime.NewConsumer(brk, "moderation", cfg.AgentConcurrency, cfg.StageTimeout, moderationAgent.Body),
		agentruntime.NewConsumer(brk, "web_augmentation", cfg.AgentConcurrency, cfg.StageTimeout, webAgent.Body),
	}

	stopFns := make([]func(), 0, len(consumers))
	for _, c := range consumers {
		stop, err := c.Start(ctx)
		if err != nil {
			slog.Error("start stage consumer failed", "error", err)
			for _, s := range stopFns {
				s()
			}
			return
		}
		stopFns = append(stopFns, stop)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}
	srv := &http.Server{Addr: cfg.AgentHTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()
	slog.Info("agent fleet started", "stages", dispatchedStages, "addr", cfg.AgentHTTPAddr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	for _, stop := range stopFns {
		stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
