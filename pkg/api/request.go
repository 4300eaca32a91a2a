package api

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders requests relative to each other. Higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Capability names a feature a request declares it needs from a provider.
const (
	CapabilityVision = "vision"
	CapabilityLocal  = "local"
)

// Request is a single unit of work submitted to the dispatcher.
// Immutable once created; construct via NewRequest.
type Request struct {
	ID           string   `json:"id"`
	Prompt       string   `json:"prompt" binding:"required,min=1"`
	ImageRef     string   `json:"image_ref,omitempty"`
	Priority     Priority `json:"priority,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// NewRequest builds a Request with a generated ID.
func NewRequest(prompt string) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Prompt:   prompt,
		Priority: PriorityNormal,
	}
}

// Needs reports whether the request declared the named capability.
func (r *Request) Needs(capability string) bool {
	if capability == CapabilityVision && r.ImageRef != "" {
		return true
	}
	for _, c := range r.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// Validate checks the request is well formed. A failure here is fatal for
// the request and is never retried against another provider.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return ValidationError("prompt must not be empty")
	}
	return nil
}

// Response is the result of a successfully dispatched request.
type Response struct {
	RequestID  string        `json:"request_id"`
	Text       string        `json:"text"`
	Provider   string        `json:"provider"`
	Confidence float64       `json:"confidence,omitempty"`
	Cost       float64       `json:"cost"`
	Latency    time.Duration `json:"latency"`
	Cached     bool          `json:"cached"`
}

// BatchResult pairs a batch item with its outcome. Results preserve the
// ordering of the submitted requests; one item failing never blocks its
// siblings.
type BatchResult struct {
	Response *Response `json:"response,omitempty"`
	Err      error     `json:"-"`
}

// ProviderStatus is a point-in-time health summary for one provider,
// served to operators and logged periodically.
type ProviderStatus struct {
	Name              string        `json:"name"`
	Enabled           bool          `json:"enabled"`
	CircuitState      string        `json:"circuit_state"`
	AvailabilityScore float64       `json:"availability_score"`
	AvgLatency        time.Duration `json:"avg_latency"`
	RequestsUsed      int64         `json:"requests_used"`
	TokensUsed        int64         `json:"tokens_used"`
	CostUsedToday     float64       `json:"cost_used_today"`
	BudgetRemaining   float64       `json:"budget_remaining"`
	ThrottleFactor    float64       `json:"throttle_factor"`
}
