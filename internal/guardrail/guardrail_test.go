package guardrail

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, yamlDoc string) *Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(yamlDoc), 0o644))
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, r.LoadDir(dir))
	return r
}

const sampleRules = `
- id: high-stakes-confidence
  description: High stakes decisions need confidence at least 0.5
  conditions:
    - field: stakes
      op: eq
      value: high
  requirements:
    - field: confidence
      expected: ">= 0.5"
  action: block
  message: "Confidence {confidence} too low for high stakes"
- id: no-friday-deploys
  description: Deploys are discouraged on Fridays
  conditions:
    - field: day
      op: eq
      value: friday
  action: warn
  message: "Avoid deploying on {day}"
- id: atlas-only
  description: Only fires for the atlas project
  scope: [atlas]
  conditions:
    - field: category
      op: eq
      value: security
  action: warn
`

func TestEvaluateBlocksOnFailedRequirement(t *testing.T) {
	r := newTestRegistry(t, sampleRules)

	ev := r.Evaluate(map[string]any{"stakes": "high", "confidence": 0.3})
	assert.False(t, ev.Allowed)
	require.Len(t, ev.Violations, 1)
	assert.Equal(t, "high-stakes-confidence", ev.Violations[0].GuardrailID)
	assert.Equal(t, "Confidence 0.3 too low for high stakes", ev.Violations[0].Message)
	assert.Equal(t, 3, ev.Evaluated)
}

func TestEvaluateAuditCarriesAgent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(sampleRules), 0o644))

	var buf bytes.Buffer
	audit := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), audit)
	require.NoError(t, r.LoadDir(dir))

	ev := r.Evaluate(map[string]any{
		"agent": "atlas", "action": "deploy", "stakes": "high", "confidence": 0.3,
	})
	assert.False(t, ev.Allowed)

	var entry struct {
		Agent      string   `json:"agent"`
		Action     string   `json:"action"`
		Allowed    bool     `json:"allowed"`
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "atlas", entry.Agent)
	assert.Equal(t, "deploy", entry.Action)
	assert.False(t, entry.Allowed)
	assert.Contains(t, entry.Violations, "high-stakes-confidence")
}

func TestEvaluateAllowsWhenRequirementMet(t *testing.T) {
	r := newTestRegistry(t, sampleRules)

	ev := r.Evaluate(map[string]any{"stakes": "high", "confidence": 0.8})
	assert.True(t, ev.Allowed)
	assert.Empty(t, ev.Violations)
}

func TestRequirementBoundary(t *testing.T) {
	r := newTestRegistry(t, sampleRules)
	// ">= 0.5" passes at exactly 0.5.
	ev := r.Evaluate(map[string]any{"stakes": "high", "confidence": 0.5})
	assert.True(t, ev.Allowed)
}

func TestConditionOnlyGuardrailWarns(t *testing.T) {
	r := newTestRegistry(t, sampleRules)

	ev := r.Evaluate(map[string]any{"day": "friday"})
	assert.True(t, ev.Allowed) // warn does not block
	require.Len(t, ev.Warnings, 1)
	assert.Equal(t, "Avoid deploying on friday", ev.Warnings[0].Message)
}

func TestScopeRestrictsByProject(t *testing.T) {
	r := newTestRegistry(t, sampleRules)

	ev := r.Evaluate(map[string]any{"category": "security", "project": "zephyr"})
	assert.Empty(t, ev.Warnings)

	ev = r.Evaluate(map[string]any{"category": "security", "project": "atlas"})
	require.Len(t, ev.Warnings, 1)
	assert.Equal(t, "atlas-only", ev.Warnings[0].GuardrailID)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, r.LoadDir(filepath.Join(t.TempDir(), "nope")))
	assert.Empty(t, r.List())
}

func TestLoadDirRejectsInvalidAction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"),
		[]byte("- id: x\n  action: explode\n"), 0o644))
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	assert.Error(t, r.LoadDir(dir))
}
