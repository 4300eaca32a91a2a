package model

import "time"

// DispatchLog is the per-request observability record.
type DispatchLog struct {
	ID         string    `db:"id"`
	RequestID  string    `db:"request_id"`
	Provider   string    `db:"provider"`
	Complexity string    `db:"complexity"`
	LatencyMS  int64     `db:"latency_ms"`
	Cost       float64   `db:"cost"`
	Tokens     int64     `db:"tokens"`
	Success    bool      `db:"success"`
	Cached     bool      `db:"cached"`
	ErrorKind  string    `db:"error_kind"`
	CreatedAt  time.Time `db:"created_at"`
}

// QuotaSnapshot persists one provider's daily usage across restarts.
type QuotaSnapshot struct {
	Provider       string    `db:"provider"`
	RequestsUsed   int64     `db:"requests_used"`
	TokensUsed     int64     `db:"tokens_used"`
	CostUsed       float64   `db:"cost_used"`
	LastReset      time.Time `db:"last_reset"`
	ThrottleFactor float64   `db:"throttle_factor"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// CapabilitySnapshot persists one provider's learned estimates.
type CapabilitySnapshot struct {
	Provider          string    `db:"provider"`
	AvgLatencyMS      int64     `db:"avg_latency_ms"`
	AvailabilityScore float64   `db:"availability_score"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// DailyStats aggregates dispatch logs per day for operator reporting.
type DailyStats struct {
	Day          string  `db:"day"`
	Requests     int64   `db:"requests"`
	Failures     int64   `db:"failures"`
	CacheHits    int64   `db:"cache_hits"`
	TotalCost    float64 `db:"total_cost"`
	AvgLatencyMS float64 `db:"avg_latency_ms"`
}
