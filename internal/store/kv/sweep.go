package kv

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/mcp/internal/mcptask"
)

// ArchiveFunc is invoked for each task the sweeper evicts, letting the
// caller copy it to the durable archive before it is deleted.
type ArchiveFunc func(ctx context.Context, rec *mcptask.Record)

// Sweeper periodically evicts expired KV records past their TTL.
type Sweeper struct {
	store   *Store
	cron    *cron.Cron
	onEvict ArchiveFunc
}

// NewSweeper schedules a TTL sweep at the given cron spec (e.g. "@every 1m").
func NewSweeper(store *Store, spec string, onEvict ArchiveFunc) (*Sweeper, error) {
	c := cron.New()
	s := &Sweeper{store: store, cron: c, onEvict: onEvict}
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron scheduler; it returns immediately.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

func (s *Sweeper) runOnce() {
	ctx := context.Background()
	n, err := s.store.DeleteExpired(ctx, time.Now(), func(rec *mcptask.Record) {
		if s.onEvict != nil {
			s.onEvict(ctx, rec)
		}
	})
	if err != nil {
		slog.Warn("kv retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("kv retention sweep evicted records", "count", n)
	}
}
