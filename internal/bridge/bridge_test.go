package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAbstract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"numbers", "Raised the limit to 500 requests", "Raised the limit to N requests"},
		{"file path", "Moved logic into internal/auth/hash.go for reuse", "Moved logic into a file for reuse"},
		{"camel case", "Replaced RetryPolicy with backoff", "Replaced a component with backoff"},
		{"verb generalized", "Implemented caching for sessions", "adopted caching for sessions"},
		{"percentage", "Cut latency by 40%", "Cut latency by N"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Abstract(tt.in))
		})
	}
}

type stubLLM struct {
	bridge *model.BridgeDefinition
	err    error
}

func (s stubLLM) Extract(context.Context, string, string) (*model.BridgeDefinition, error) {
	return s.bridge, s.err
}

func TestDeriveKeepsClientBridge(t *testing.T) {
	e := NewExtractor(nil, discard())
	d := &model.Decision{
		Decision: "Use X",
		Bridge:   &model.BridgeDefinition{Structure: "s", Function: "f"},
	}
	b := e.Derive(context.Background(), d)
	require.NotNil(t, b)
	assert.Equal(t, "s", b.Structure)
	assert.Equal(t, model.BridgeMethodNone, b.Method)
}

func TestDeriveRuleFallback(t *testing.T) {
	e := NewExtractor(nil, discard())
	d := &model.Decision{
		Decision: "Implemented RateLimiter with 100 tokens",
		Category: model.CategoryArchitecture,
	}
	b := e.Derive(context.Background(), d)
	require.NotNil(t, b)
	assert.Equal(t, model.BridgeMethodRule, b.Method)
	assert.NotContains(t, b.Structure, "100")
	assert.NotContains(t, b.Structure, "RateLimiter")
	assert.NotEmpty(t, b.Function)
}

func TestDeriveLLMFailureFallsBackToRule(t *testing.T) {
	e := NewExtractor(stubLLM{err: errors.New("timeout")}, discard())
	d := &model.Decision{Decision: "Adopted queue based retries", Category: model.CategoryProcess}
	b := e.Derive(context.Background(), d)
	require.NotNil(t, b)
	assert.Equal(t, model.BridgeMethodRule, b.Method)
}

func TestDeriveLLMSuccessRecordsBoth(t *testing.T) {
	e := NewExtractor(stubLLM{bridge: &model.BridgeDefinition{
		Structure: "a queue between producer and consumer",
		Function:  "absorbs bursts",
	}}, discard())
	d := &model.Decision{Decision: "Adopted queue based retries", Category: model.CategoryProcess}
	b := e.Derive(context.Background(), d)
	require.NotNil(t, b)
	// Rule abstraction also succeeded, so both methods contributed.
	assert.Equal(t, model.BridgeMethodBoth, b.Method)
	assert.Equal(t, "absorbs bursts", b.Function)
}

func TestBridgeRoundTrip(t *testing.T) {
	b := &model.BridgeDefinition{
		Structure:   "s",
		Function:    "f",
		Enforcement: []string{"e1"},
		Method:      model.BridgeMethodLLM,
	}
	assert.Equal(t, b, model.BridgeFromMap(b.ToMap()))
}
