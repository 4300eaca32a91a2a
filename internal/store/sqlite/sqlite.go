package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nulzo/ai-orchestrator/internal/store"
	"github.com/nulzo/ai-orchestrator/internal/store/model"
)

// DB defines the interface for database operations (satisfied by *sqlx.DB and *sqlx.Tx)
type DB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// SqliteRepository implements store.Repository
type SqliteRepository struct {
	db       *sqlx.DB // Required for starting new transactions
	executor DB       // Used for actual queries (can be *sqlx.DB or *sqlx.Tx)
}

func NewSqliteRepository(db *sqlx.DB) *SqliteRepository {
	return &SqliteRepository{
		db:       db,
		executor: db,
	}
}

func (r *SqliteRepository) Close() error {
	return r.db.Close()
}

func (r *SqliteRepository) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	txRepo := &SqliteRepository{
		db:       r.db,
		executor: tx,
	}

	if err := fn(txRepo); err != nil {
		// attempt rollback, but prioritize original error
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *SqliteRepository) Dispatches() store.DispatchRepository {
	return &dispatchRepo{db: r.executor}
}

func (r *SqliteRepository) Quotas() store.QuotaRepository {
	return &quotaRepo{db: r.executor}
}

func (r *SqliteRepository) Capabilities() store.CapabilityRepository {
	return &capabilityRepo{db: r.executor}
}

type dispatchRepo struct {
	db DB
}

func (r *dispatchRepo) Log(ctx context.Context, log *model.DispatchLog) error {
	query := `
	INSERT INTO dispatch_logs (
		id, request_id, provider, complexity, latency_ms, cost, tokens,
		success, cached, error_kind, created_at
	) VALUES (
		:id, :request_id, :provider, :complexity, :latency_ms, :cost, :tokens,
		:success, :cached, :error_kind, :created_at
	)`
	_, err := r.db.NamedExecContext(ctx, query, log)
	return err
}

func (r *dispatchRepo) GetRecent(ctx context.Context, provider string, limit int) ([]model.DispatchLog, error) {
	var logs []model.DispatchLog
	if provider == "" {
		err := r.db.SelectContext(ctx, &logs,
			`SELECT * FROM dispatch_logs ORDER BY created_at DESC LIMIT ?`, limit)
		return logs, err
	}
	err := r.db.SelectContext(ctx, &logs,
		`SELECT * FROM dispatch_logs WHERE provider = ? ORDER BY created_at DESC LIMIT ?`,
		provider, limit)
	return logs, err
}

func (r *dispatchRepo) GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error) {
	var stats []model.DailyStats
	query := `
	SELECT
		date(created_at) AS day,
		COUNT(*) AS requests,
		SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END) AS failures,
		SUM(CASE WHEN cached = 1 THEN 1 ELSE 0 END) AS cache_hits,
		COALESCE(SUM(cost), 0) AS total_cost,
		COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
	FROM dispatch_logs
	WHERE created_at >= date('now', ?)
	GROUP BY date(created_at)
	ORDER BY day DESC`
	err := r.db.SelectContext(ctx, &stats, query, fmt.Sprintf("-%d days", days))
	return stats, err
}

type quotaRepo struct {
	db DB
}

func (r *quotaRepo) Upsert(ctx context.Context, snap *model.QuotaSnapshot) error {
	query := `
	INSERT INTO quota_snapshots (
		provider, requests_used, tokens_used, cost_used, last_reset,
		throttle_factor, updated_at
	) VALUES (
		:provider, :requests_used, :tokens_used, :cost_used, :last_reset,
		:throttle_factor, :updated_at
	)
	ON CONFLICT (provider) DO UPDATE SET
		requests_used = excluded.requests_used,
		tokens_used = excluded.tokens_used,
		cost_used = excluded.cost_used,
		last_reset = excluded.last_reset,
		throttle_factor = excluded.throttle_factor,
		updated_at = excluded.updated_at`
	_, err := r.db.NamedExecContext(ctx, query, snap)
	return err
}

func (r *quotaRepo) List(ctx context.Context) ([]model.QuotaSnapshot, error) {
	var snaps []model.QuotaSnapshot
	err := r.db.SelectContext(ctx, &snaps, `SELECT * FROM quota_snapshots`)
	return snaps, err
}

type capabilityRepo struct {
	db DB
}

func (r *capabilityRepo) Upsert(ctx context.Context, snap *model.CapabilitySnapshot) error {
	query := `
	INSERT INTO capability_snapshots (
		provider, avg_latency_ms, availability_score, updated_at
	) VALUES (
		:provider, :avg_latency_ms, :availability_score, :updated_at
	)
	ON CONFLICT (provider) DO UPDATE SET
		avg_latency_ms = excluded.avg_latency_ms,
		availability_score = excluded.availability_score,
		updated_at = excluded.updated_at`
	_, err := r.db.NamedExecContext(ctx, query, snap)
	return err
}

func (r *capabilityRepo) List(ctx context.Context) ([]model.CapabilitySnapshot, error) {
	var snaps []model.CapabilitySnapshot
	err := r.db.SelectContext(ctx, &snaps, `SELECT * FROM capability_snapshots`)
	return snaps, err
}
