// Package bridge derives the abstract structure/function pair attached to
// a decision for cross-domain similarity. Derivation prefers a language
// model when one is configured and falls back to rule-based abstraction;
// the method actually used is recorded on the result.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

const llmDeadline = 10 * time.Second

// LLMExtractor produces a bridge via an external language model.
type LLMExtractor interface {
	Extract(ctx context.Context, decision, context_ string) (*model.BridgeDefinition, error)
}

// Extractor derives bridge definitions. A nil llm disables the model path.
type Extractor struct {
	llm    LLMExtractor
	logger *slog.Logger
}

// NewExtractor creates a bridge extractor. llm may be nil.
func NewExtractor(llm LLMExtractor, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Derive returns a bridge for the decision. A client-supplied bridge is
// kept as-is (method preserved or defaulted). Otherwise the LLM is tried
// under a 10 s deadline, then the rule engine. Failure of both is not an
// error: the result is nil and the caller records method none.
func (e *Extractor) Derive(ctx context.Context, d *model.Decision) *model.BridgeDefinition {
	if d.Bridge != nil {
		if d.Bridge.Method == "" {
			d.Bridge.Method = model.BridgeMethodNone
		}
		return d.Bridge
	}

	ruleBridge := e.byRule(d)

	if e.llm != nil {
		llmCtx, cancel := context.WithTimeout(ctx, llmDeadline)
		defer cancel()
		b, err := e.llm.Extract(llmCtx, d.Decision, d.Context)
		if err != nil {
			// Absent credentials, timeouts, and filtered responses are all
			// expected; degrade to the rule result.
			e.logger.Debug("bridge: llm extraction unavailable", "error", err)
		} else if b != nil && b.Structure != "" {
			if ruleBridge != nil {
				b.Method = model.BridgeMethodBoth
				if len(b.Enforcement) == 0 {
					b.Enforcement = ruleBridge.Enforcement
				}
			} else {
				b.Method = model.BridgeMethodLLM
			}
			return b
		}
	}

	return ruleBridge
}

// byRule builds a bridge from the rule-based abstraction of the decision
// text. Returns nil when there is nothing to abstract.
func (e *Extractor) byRule(d *model.Decision) *model.BridgeDefinition {
	structure := strings.TrimSpace(Abstract(d.Decision))
	if structure == "" {
		return nil
	}
	function := strings.TrimSpace(Abstract(d.Context))
	if function == "" {
		function = "Addresses an unstated problem in the " + string(d.Category) + " domain"
	}
	return &model.BridgeDefinition{
		Structure: structure,
		Function:  function,
		Method:    model.BridgeMethodRule,
	}
}
