package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

const defaultModel = "claude-3-5-haiku-latest"

const extractionPrompt = `Abstract the following decision into a cross-domain "bridge".
Reply with a single JSON object, nothing else, with keys:
  structure   - what the decision looks like, stripped of domain specifics
  function    - what problem it solves, stripped of domain specifics
  enforcement - list of constraints the decision enforces (may be empty)
  prevention  - list of failure modes it prevents (may be empty)
  tolerance   - list of conditions it tolerates (may be empty)

Decision: %s
Context: %s`

// AnthropicExtractor implements LLMExtractor on the Anthropic API.
type AnthropicExtractor struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicExtractor creates an extractor. Returns nil when no API key
// is configured, which disables the LLM path.
func NewAnthropicExtractor(apiKey, modelName string) *AnthropicExtractor {
	if apiKey == "" {
		return nil
	}
	if modelName == "" {
		modelName = defaultModel
	}
	return &AnthropicExtractor{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(modelName),
	}
}

type bridgePayload struct {
	Structure   string   `json:"structure"`
	Function    string   `json:"function"`
	Enforcement []string `json:"enforcement"`
	Prevention  []string `json:"prevention"`
	Tolerance   []string `json:"tolerance"`
}

// Extract asks the model for a bridge definition. The caller bounds ctx
// with the extraction deadline.
func (a *AnthropicExtractor) Extract(ctx context.Context, decision, context_ string) (*model.BridgeDefinition, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(extractionPrompt, decision, context_))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: llm call: %w", err)
	}
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		return nil, fmt.Errorf("bridge: llm returned no text content")
	}

	text := message.Content[0].Text
	// Models sometimes wrap JSON in a code fence.
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}

	var payload bridgePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("bridge: parse llm response: %w", err)
	}
	if payload.Structure == "" || payload.Function == "" {
		return nil, fmt.Errorf("bridge: llm response missing structure or function")
	}
	return &model.BridgeDefinition{
		Structure:   payload.Structure,
		Function:    payload.Function,
		Enforcement: payload.Enforcement,
		Prevention:  payload.Prevention,
		Tolerance:   payload.Tolerance,
	}, nil
}
