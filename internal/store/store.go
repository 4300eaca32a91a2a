package store

import (
	"context"

	"github.com/nulzo/ai-orchestrator/internal/store/model"
)

// Repository is the main contract for the data layer. Persistence is an
// optional collaborator: the dispatcher and ingestor accept a nil
// Repository and simply skip snapshotting and logging.
type Repository interface {
	Dispatches() DispatchRepository
	Quotas() QuotaRepository
	Capabilities() CapabilityRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

type DispatchRepository interface {
	// Log stores a completed dispatch record.
	Log(ctx context.Context, log *model.DispatchLog) error
	// GetRecent returns the last N records for a provider ("" for all).
	GetRecent(ctx context.Context, provider string, limit int) ([]model.DispatchLog, error)
	// GetDailyStats returns aggregated stats grouped by day.
	GetDailyStats(ctx context.Context, days int) ([]model.DailyStats, error)
}

type QuotaRepository interface {
	// Upsert replaces the snapshot for a provider.
	Upsert(ctx context.Context, snap *model.QuotaSnapshot) error
	// List returns every stored snapshot.
	List(ctx context.Context) ([]model.QuotaSnapshot, error)
}

type CapabilityRepository interface {
	// Upsert replaces the learned-capability snapshot for a provider.
	Upsert(ctx context.Context, snap *model.CapabilitySnapshot) error
	// List returns every stored snapshot.
	List(ctx context.Context) ([]model.CapabilitySnapshot, error)
}
