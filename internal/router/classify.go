package router

import (
	"strings"

	"github.com/nulzo/ai-orchestrator/pkg/api"
)

// Complexity buckets a request for the routing policy table.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
	Vision  Complexity = "vision"
)

var greetingPrefixes = []string{
	"hi", "hello", "hey", "thanks", "thank you", "good morning",
	"good afternoon", "good evening", "yes", "no", "ok", "okay",
}

var complexMarkers = []string{
	"comprehensive", "detailed", "in depth", "in-depth", "thorough",
	"step by step", "step-by-step", "analyze", "compare and contrast",
}

// Classify buckets a request. An image reference always forces vision;
// otherwise ordered pattern rules run before the token-count fallback.
func Classify(req *api.Request) Complexity {
	if req.ImageRef != "" || req.Needs(api.CapabilityVision) {
		return Vision
	}

	prompt := strings.ToLower(strings.TrimSpace(req.Prompt))
	words := strings.Fields(prompt)

	// Greetings and short questions stay simple regardless of phrasing.
	if len(words) <= 12 {
		for _, g := range greetingPrefixes {
			if prompt == g || strings.HasPrefix(prompt, g+" ") || strings.HasPrefix(prompt, g+",") {
				return Simple
			}
		}
		if strings.HasSuffix(prompt, "?") && len(words) <= 8 {
			return Simple
		}
	}

	for _, marker := range complexMarkers {
		if strings.Contains(prompt, marker) {
			return Complex
		}
	}

	switch tokens := EstimateTokens(req.Prompt); {
	case tokens <= 20:
		return Simple
	case tokens <= 100:
		return Medium
	default:
		return Complex
	}
}

// EstimateTokens approximates the prompt's token count. Four characters
// per token is the usual rule of thumb and only needs to be directionally
// right for classification and bucket admission.
func EstimateTokens(prompt string) int {
	n := len(prompt) / 4
	if n < 1 {
		n = 1
	}
	return n
}
