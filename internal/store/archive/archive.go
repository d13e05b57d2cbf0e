// Package archive is the durable relational store: task history, per-stage
// transitions, agent performance, and registered DAG templates, backed by
// PostgreSQL via pgx. Archival from the fast KV store is idempotent on
// (task_id, status).
package archive

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/swarmguard/mcp/internal/mcperrors"
	"github.com/swarmguard/mcp/internal/mcptask"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the pgx-backed durable archive.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, mcperrors.StoreDown("archive.Open", fmt.Errorf("connect pgx pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, mcperrors.StoreDown("archive.Open", fmt.Errorf("ping: %w", err))
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, mcperrors.StoreDown("archive.Open", fmt.Errorf("migrate: %w", err))
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open stdlib conn for migrate: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "mcp_archive", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return sourceDriver.Close()
}

// ArchiveTask idempotently copies a terminal task record into task_history,
// keyed on (task_id, status) — re-archiving the same terminal status is a
// no-op, but a status change (rare, e.g. timeout overtaking a late success)
// overwrites the row.
func (s *Store) ArchiveTask(ctx context.Context, rec *mcptask.Record) error {
	plan, err := json.Marshal(rec.Plan)
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, "archive.ArchiveTask", "marshal plan", err)
	}
	var responseSummary []byte
	if rec.Response != nil {
		responseSummary, err = json.Marshal(rec.Response)
		if err != nil {
			return mcperrors.Wrap(mcperrors.Internal, "archive.ArchiveTask", "marshal response", err)
		}
	}
	var errKind, errMsg, errStage *string
	if rec.Error != nil {
		k := rec.Error.Kind.String()
		errKind = &k
		errMsg = &rec.Error.Message
		errStage = &rec.Error.Stage
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_history
			(task_id, user_id, query, template_name, plan, status, response_summary,
			 error_kind, error_message, error_stage, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			response_summary = EXCLUDED.response_summary,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			error_stage = EXCLUDED.error_stage,
			completed_at = EXCLUDED.completed_at,
			archived_at = now()
		WHERE task_history.status IS DISTINCT FROM EXCLUDED.status
	`, rec.TaskID, rec.UserID, rec.Query, rec.TemplateName, plan, string(rec.Status),
		responseSummary, errKind, errMsg, errStage, rec.StartedAt, rec.UpdatedAt)
	if err != nil {
		return mcperrors.StoreDown("archive.ArchiveTask", err)
	}
	return nil
}

// RecordStageTransition appends one row to the stage transition log.
func (s *Store) RecordStageTransition(ctx context.Context, taskID, stage string, attempt int, duration time.Duration, outcome string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_transitions (task_id, stage, attempt, duration_ms, outcome)
		VALUES ($1,$2,$3,$4,$5)
	`, taskID, stage, attempt, duration.Milliseconds(), outcome)
	if err != nil {
		return mcperrors.StoreDown("archive.RecordStageTransition", err)
	}
	return nil
}

// RecordAgentPerformance appends one row of per-agent stage timing.
func (s *Store) RecordAgentPerformance(ctx context.Context, agent, stage string, duration time.Duration, success bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_performance (agent, stage, duration_ms, success)
		VALUES ($1,$2,$3,$4)
	`, agent, stage, duration.Milliseconds(), success)
	if err != nil {
		return mcperrors.StoreDown("archive.RecordAgentPerformance", err)
	}
	return nil
}

// UpsertTemplate persists a DAG template definition for cross-restart
// registry hydration.
func (s *Store) UpsertTemplate(ctx context.Context, name string, stages []string, selectionRule string) error {
	data, err := json.Marshal(stages)
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, "archive.UpsertTemplate", "marshal stages", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dag_templates (name, stages, selection_rule)
		VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET
			stages = EXCLUDED.stages, selection_rule = EXCLUDED.selection_rule, updated_at = now()
	`, name, data, selectionRule)
	if err != nil {
		return mcperrors.StoreDown("archive.UpsertTemplate", err)
	}
	return nil
}

// TemplateRow is a registered DAG template as persisted in the archive.
type TemplateRow struct {
	Name          string
	Stages        []string
	SelectionRule string
}

// LoadTemplates hydrates the in-process registry from the archive at startup.
func (s *Store) LoadTemplates(ctx context.Context) ([]TemplateRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, stages, COALESCE(selection_rule, '') FROM dag_templates`)
	if err != nil {
		return nil, mcperrors.StoreDown("archive.LoadTemplates", err)
	}
	defer rows.Close()

	var out []TemplateRow
	for rows.Next() {
		var name, rule string
		var stagesRaw []byte
		if err := rows.Scan(&name, &stagesRaw, &rule); err != nil {
			return nil, mcperrors.StoreDown("archive.LoadTemplates", err)
		}
		var stages []string
		if err := json.Unmarshal(stagesRaw, &stages); err != nil {
			return nil, mcperrors.Wrap(mcperrors.Internal, "archive.LoadTemplates", "unmarshal stages", err)
		}
		out = append(out, TemplateRow{Name: name, Stages: stages, SelectionRule: rule})
	}
	return out, rows.Err()
}

// AgentPerformanceSummary aggregates agent_performance rows for one
// (agent, stage) pair recorded since a cutoff, feeding the analytics endpoint.
type AgentPerformanceSummary struct {
	Agent            string
	Stage            string
	Samples          int64
	SuccessRate      float64
	AvgDurationMS    float64
}

// AgentPerformanceSince returns per-(agent, stage) aggregates for rows
// recorded at or after since, most-sampled first.
func (s *Store) AgentPerformanceSince(ctx context.Context, since time.Time) ([]AgentPerformanceSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent, stage, count(*),
		       avg(CASE WHEN success THEN 1.0 ELSE 0.0 END),
		       avg(duration_ms)
		FROM agent_performance
		WHERE recorded_at >= $1
		GROUP BY agent, stage
		ORDER BY count(*) DESC
	`, since)
	if err != nil {
		return nil, mcperrors.StoreDown("archive.AgentPerformanceSince", err)
	}
	defer rows.Close()

	var out []AgentPerformanceSummary
	for rows.Next() {
		var sum AgentPerformanceSummary
		if err := rows.Scan(&sum.Agent, &sum.Stage, &sum.Samples, &sum.SuccessRate, &sum.AvgDurationMS); err != nil {
			return nil, mcperrors.StoreDown("archive.AgentPerformanceSince", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes archived task_history rows (and cascaded children)
// older than the configured retention window.
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_history WHERE archived_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, mcperrors.StoreDown("archive.PurgeOlderThan", err)
	}
	return tag.RowsAffected(), nil
}
