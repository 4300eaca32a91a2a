package router

import (
	"strings"
	"testing"

	"github.com/nulzo/ai-orchestrator/pkg/api"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	longPrompt := strings.Repeat("describe the house state and ", 20)

	tests := []struct {
		name string
		req  *api.Request
		want Complexity
	}{
		{
			name: "image reference forces vision",
			req:  &api.Request{Prompt: "what is in this picture", ImageRef: "camera/front-door"},
			want: Vision,
		},
		{
			name: "declared vision capability forces vision",
			req:  &api.Request{Prompt: "hi", Capabilities: []string{"vision"}},
			want: Vision,
		},
		{
			name: "greeting is simple",
			req:  &api.Request{Prompt: "Hello there, how are you doing today"},
			want: Simple,
		},
		{
			name: "short question is simple",
			req:  &api.Request{Prompt: "Is the garage door open?"},
			want: Simple,
		},
		{
			name: "complex marker wins over length",
			req:  &api.Request{Prompt: "Give me a comprehensive summary of today"},
			want: Complex,
		},
		{
			name: "step by step marker",
			req:  &api.Request{Prompt: "Walk me through this step by step please and explain what each sensor reading means"},
			want: Complex,
		},
		{
			name: "short prompt falls back to simple",
			req:  &api.Request{Prompt: "turn off the living room lamp"},
			want: Simple,
		},
		{
			name: "mid-size prompt is medium",
			req:  &api.Request{Prompt: strings.Repeat("check the temperature in every room ", 6)},
			want: Medium,
		},
		{
			name: "long prompt is complex",
			req:  &api.Request{Prompt: longPrompt},
			want: Complex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.req))
		})
	}
}

func TestClassify_LongQuestionIsNotSimple(t *testing.T) {
	req := &api.Request{Prompt: "could you please tell me whether anyone opened the back door while we were away last night?"}
	assert.NotEqual(t, Simple, Classify(req))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
