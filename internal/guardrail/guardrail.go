// Package guardrail loads policy rules from YAML and evaluates them
// against a decision context before an action is taken.
package guardrail

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Action is what a firing guardrail does.
type Action string

const (
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// Condition gates whether a guardrail applies to a context.
type Condition struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"` // eq, ne, lt, gt, lte, gte
	Value any    `yaml:"value" json:"value"`
}

// Requirement is checked once a guardrail applies. Expected is either a
// literal or a comparator string like ">= 0.5".
type Requirement struct {
	Field    string `yaml:"field" json:"field"`
	Expected any    `yaml:"expected" json:"expected"`
}

// Guardrail is one loaded policy rule.
type Guardrail struct {
	ID           string        `yaml:"id" json:"id"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	Conditions   []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Requirements []Requirement `yaml:"requirements,omitempty" json:"requirements,omitempty"`
	Scope        []string      `yaml:"scope,omitempty" json:"scope,omitempty"` // project names
	Action       Action        `yaml:"action" json:"action"`
	Message      string        `yaml:"message,omitempty" json:"message,omitempty"`
}

// Result is one fired guardrail.
type Result struct {
	GuardrailID string `json:"guardrailId"`
	Action      Action `json:"action"`
	Message     string `json:"message"`
}

// Evaluation aggregates all fired guardrails for one context.
type Evaluation struct {
	Allowed    bool     `json:"allowed"`
	Violations []Result `json:"violations"` // action=block
	Warnings   []Result `json:"warnings"`   // action=warn
	Evaluated  int      `json:"evaluated"`
}

// Registry holds the loaded guardrails.
type Registry struct {
	logger *slog.Logger
	audit  *slog.Logger

	mu    sync.RWMutex
	rules []Guardrail
}

// NewRegistry creates an empty registry. The audit logger receives one
// structured entry per evaluation.
func NewRegistry(logger, audit *slog.Logger) *Registry {
	if audit == nil {
		audit = logger
	}
	return &Registry{logger: logger, audit: audit}
}

// LoadDir parses every *.yaml / *.yml file in dir. Each file holds a list
// of guardrails. A missing directory loads zero rules.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("guardrail: no guardrails directory, none loaded", "dir", dir)
			return nil
		}
		return fmt.Errorf("guardrail: read dir %s: %w", dir, err)
	}

	var rules []Guardrail
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("guardrail: read %s: %w", path, err)
		}
		var fileRules []Guardrail
		if err := yaml.Unmarshal(data, &fileRules); err != nil {
			return fmt.Errorf("guardrail: parse %s: %w", path, err)
		}
		for i, g := range fileRules {
			if g.ID == "" {
				return fmt.Errorf("guardrail: %s entry %d: missing id", path, i)
			}
			if g.Action != ActionWarn && g.Action != ActionBlock {
				return fmt.Errorf("guardrail: %s: %s: invalid action %q", path, g.ID, g.Action)
			}
		}
		rules = append(rules, fileRules...)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	r.mu.Lock()
	r.rules = rules
	r.mu.Unlock()
	r.logger.Info("guardrail: loaded", "count", len(rules), "dir", dir)
	return nil
}

// List returns the loaded guardrails.
func (r *Registry) List() []Guardrail {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Guardrail(nil), r.rules...)
}

// Evaluate checks every loaded guardrail against the context and appends
// one audit entry. The context carries decision fields by name plus
// "agent" and "action" for auditing.
func (r *Registry) Evaluate(ctx map[string]any) Evaluation {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	ev := Evaluation{Allowed: true, Evaluated: len(rules)}
	for _, g := range rules {
		if !g.appliesTo(ctx) {
			continue
		}
		fired := false
		if len(g.Requirements) == 0 {
			// Conditions matched with nothing further to satisfy: the
			// guardrail itself is the violation.
			fired = true
		} else {
			for _, req := range g.Requirements {
				if !req.satisfied(ctx) {
					fired = true
					break
				}
			}
		}
		if !fired {
			continue
		}
		res := Result{
			GuardrailID: g.ID,
			Action:      g.Action,
			Message:     renderMessage(g.Message, ctx),
		}
		if res.Message == "" {
			res.Message = g.Description
		}
		if g.Action == ActionBlock {
			ev.Allowed = false
			ev.Violations = append(ev.Violations, res)
		} else {
			ev.Warnings = append(ev.Warnings, res)
		}
	}

	ids := make([]string, 0, len(ev.Violations))
	for _, v := range ev.Violations {
		ids = append(ids, v.GuardrailID)
	}
	r.audit.Info("guardrail evaluation",
		"agent", str(ctx["agent"]),
		"action", str(ctx["action"]),
		"allowed", ev.Allowed,
		"violations", ids,
		"evaluated", ev.Evaluated,
	)
	return ev
}

func (g *Guardrail) appliesTo(ctx map[string]any) bool {
	if len(g.Scope) > 0 {
		project := str(ctx["project"])
		found := false
		for _, s := range g.Scope {
			if s == project {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, c := range g.Conditions {
		if !c.holds(ctx) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(ctx map[string]any) bool {
	value, ok := ctx[c.Field]
	if !ok {
		return false
	}
	switch c.Op {
	case "eq":
		return looseEqual(value, c.Value)
	case "ne":
		return !looseEqual(value, c.Value)
	case "lt", "gt", "lte", "gte":
		a, aok := asFloat(value)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case "lt":
			return a < b
		case "gt":
			return a > b
		case "lte":
			return a <= b
		default:
			return a >= b
		}
	}
	return false
}

var comparatorPattern = regexp.MustCompile(`^(>=|<=|>|<|==|!=)\s*(.+)$`)

func (r *Requirement) satisfied(ctx map[string]any) bool {
	value, ok := ctx[r.Field]
	if !ok {
		return false
	}
	if s, isStr := r.Expected.(string); isStr {
		if m := comparatorPattern.FindStringSubmatch(strings.TrimSpace(s)); m != nil {
			a, aok := asFloat(value)
			b, berr := strconv.ParseFloat(strings.TrimSpace(m[2]), 64)
			if !aok || berr != nil {
				return false
			}
			switch m[1] {
			case ">=":
				return a >= b
			case "<=":
				return a <= b
			case ">":
				return a > b
			case "<":
				return a < b
			case "==":
				return a == b
			default:
				return a != b
			}
		}
	}
	return looseEqual(value, r.Expected)
}

func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

var templatePattern = regexp.MustCompile(`\{(\w+)\}`)

// renderMessage substitutes {field} placeholders from the context.
// Unknown fields are left as-is.
func renderMessage(tmpl string, ctx map[string]any) string {
	return templatePattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		field := m[1 : len(m)-1]
		if v, ok := ctx[field]; ok {
			return fmt.Sprintf("%v", v)
		}
		return m
	})
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
