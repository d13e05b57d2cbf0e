// Package kv is the fast task-state layer: the live task record, a bounded
// per-task progress ring, and a per-user recent-task index, backed by bbolt.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
)

var (
	bucketTasks     = []byte("tasks")
	bucketProgress  = []byte("progress")
	bucketUserIndex = []byte("user_index")
)

// ProgressEntry is one entry in a task's append-only progress ring.
type ProgressEntry struct {
	Stage     string          `json:"stage"`
	Phase     string          `json:"phase"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MutateFunc applies a pure transformation to a record in place. Returning
// an error aborts the mutation without writing.
type MutateFunc func(*mcptask.Record) error

// Store is the bbolt-backed fast task store.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex

	maxProgressEntries int
	maxUserIndexSize    int

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxProgressEntries bounds the per-task progress ring length.
func WithMaxProgressEntries(n int) Option {
	return func(s *Store) { s.maxProgressEntries = n }
}

// WithMaxUserIndexSize bounds how many recent task IDs are kept per user.
func WithMaxUserIndexSize(n int) Option {
	return func(s *Store) { s.maxUserIndexSize = n }
}

// WithMeter wires OTel instruments for read/write latency.
func WithMeter(meter metric.Meter) Option {
	return func(s *Store) {
		s.readLatency, _ = meter.Float64Histogram("mcp_kv_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("mcp_kv_write_ms")
	}
}

// Open opens (creating if absent) the bbolt database at dbPath and ensures
// its buckets exist.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, mcperrors.StoreDown("kv.Open", fmt.Errorf("open bbolt: %w", err))
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketProgress, bucketUserIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, mcperrors.StoreDown("kv.Open", fmt.Errorf("create buckets: %w", err))
	}
	s := &Store{db: db, maxProgressEntries: 200, maxUserIndexSize: 100}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Create atomically writes the initial record, failing with Conflict if the
// task_id already exists.
func (s *Store) Create(ctx context.Context, rec *mcptask.Record) error {
	start := time.Now()
	defer s.recordWrite(ctx, start, "create")

	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, "kv.Create", "marshal record", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(rec.TaskID)) != nil {
			return mcperrors.ConflictErr("kv.Create", fmt.Errorf("task %s already exists", rec.TaskID))
		}
		if err := tasks.Put([]byte(rec.TaskID), data); err != nil {
			return err
		}
		return appendUserIndex(tx, rec.UserID, rec.TaskID, s.maxUserIndexSize)
	})
	if err != nil {
		if _, ok := err.(*mcperrors.Error); ok {
			return err
		}
		return mcperrors.StoreDown("kv.Create", err)
	}
	return nil
}

// Get returns the record for task_id, or NotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*mcptask.Record, error) {
	start := time.Now()
	defer s.recordRead(ctx, start, "get")

	var rec mcptask.Record
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, mcperrors.StoreDown("kv.Get", err)
	}
	if !found {
		return nil, mcperrors.NotFoundErr("kv.Get", fmt.Errorf("task %s not found", taskID))
	}
	return &rec, nil
}

// Mutate reads the record, applies fn, validates invariants, and writes it
// back in the same bbolt transaction — bbolt's single-writer semantics make
// this linearizable per task without an explicit CAS token.
func (s *Store) Mutate(ctx context.Context, taskID string, fn MutateFunc) (*mcptask.Record, error) {
	start := time.Now()
	defer s.recordWrite(ctx, start, "mutate")

	var rec mcptask.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		data := tasks.Get([]byte(taskID))
		if data == nil {
			return mcperrors.NotFoundErr("kv.Mutate", fmt.Errorf("task %s not found", taskID))
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return mcperrors.Wrap(mcperrors.Internal, "kv.Mutate", "unmarshal record", err)
		}

		if rec.Status.Terminal() {
			// Terminal tasks no-op: abort/redelivered completions must not
			// resurrect a finished task.
			return nil
		}

		if err := fn(&rec); err != nil {
			return err
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		rec.UpdatedAt = time.Now()

		out, err := json.Marshal(&rec)
		if err != nil {
			return mcperrors.Wrap(mcperrors.Internal, "kv.Mutate", "marshal record", err)
		}
		return tasks.Put([]byte(taskID), out)
	})
	if err != nil {
		if _, ok := err.(*mcperrors.Error); ok {
			return nil, err
		}
		return nil, mcperrors.StoreDown("kv.Mutate", err)
	}
	return &rec, nil
}

// AppendProgress best-effort appends an entry to task_id's bounded ring.
// Loss is acceptable per spec; callers should not treat failures as fatal.
func (s *Store) AppendProgress(ctx context.Context, taskID string, entry ProgressEntry) error {
	start := time.Now()
	defer s.recordWrite(ctx, start, "append_progress")

	err := s.db.Update(func(tx *bbolt.Tx) error {
		progress := tx.Bucket(bucketProgress)
		key := []byte(taskID)
		var entries []ProgressEntry
		if raw := progress.Get(key); raw != nil {
			_ = json.Unmarshal(raw, &entries)
		}
		entries = append(entries, entry)
		if len(entries) > s.maxProgressEntries {
			entries = entries[len(entries)-s.maxProgressEntries:]
		}
		out, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return progress.Put(key, out)
	})
	if err != nil {
		return mcperrors.StoreDown("kv.AppendProgress", err)
	}
	return nil
}

// Progress returns entries appended after since (exclusive).
func (s *Store) Progress(ctx context.Context, taskID string, since time.Time) ([]ProgressEntry, error) {
	start := time.Now()
	defer s.recordRead(ctx, start, "progress")

	var entries []ProgressEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProgress).Get([]byte(taskID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &entries)
	})
	if err != nil {
		return nil, mcperrors.StoreDown("kv.Progress", err)
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecentTasksForUser returns up to limit task IDs from the user's index,
// most recent first.
func (s *Store) RecentTasksForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketUserIndex).Get([]byte(userID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &ids)
	})
	if err != nil {
		return nil, mcperrors.StoreDown("kv.RecentTasksForUser", err)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// DeleteExpired removes task and progress records whose TTL has elapsed,
// called periodically by the retention sweeper. onExpire, if non-nil, is
// invoked with each expiring record before it is deleted so the caller can
// copy it to the durable archive.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time, onExpire func(*mcptask.Record)) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		progress := tx.Bucket(bucketProgress)
		cursor := tasks.Cursor()
		var expired []mcptask.Record
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec mcptask.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if !rec.Status.Terminal() {
				continue
			}
			if now.Sub(rec.UpdatedAt) < rec.TTLHint {
				continue
			}
			expired = append(expired, rec)
		}
		for _, rec := range expired {
			if onExpire != nil {
				onExpire(&rec)
			}
			if err := tasks.Delete([]byte(rec.TaskID)); err != nil {
				return err
			}
			_ = progress.Delete([]byte(rec.TaskID))
			deleted++
		}
		return nil
	})
	if err != nil {
		return deleted, mcperrors.StoreDown("kv.DeleteExpired", err)
	}
	return deleted, nil
}

func appendUserIndex(tx *bbolt.Tx, userID, taskID string, maxSize int) error {
	bucket := tx.Bucket(bucketUserIndex)
	key := []byte(userID)
	var ids []string
	if raw := bucket.Get(key); raw != nil {
		_ = json.Unmarshal(raw, &ids)
	}
	ids = append(ids, taskID)
	if len(ids) > maxSize {
		ids = ids[len(ids)-maxSize:]
	}
	out, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return bucket.Put(key, out)
}

func (s *Store) recordRead(ctx context.Context, start time.Time, op string) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordWrite(ctx context.Context, start time.Time, op string) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}
