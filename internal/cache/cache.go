// Package cache stores dispatched responses keyed by a deterministic
// fingerprint of the normalized prompt, so identical requests inside the
// TTL never trigger a second provider call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// Cache is the response-cache contract. Get treats expired entries as
// absent; Set is an idempotent overwrite.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*api.Response, bool)
	Set(ctx context.Context, fingerprint string, resp *api.Response, ttl time.Duration) error
	Stats() Stats
}

// Stats counts lookups since process start.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Fingerprint derives the cache key from the normalized prompt and the
// routing-relevant request facets. Normalization lowercases and collapses
// whitespace so trivially reformatted prompts share an entry.
func Fingerprint(req *api.Request) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(req.Prompt)), " ")

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(req.ImageRef))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(req.Capabilities, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
