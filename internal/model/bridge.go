package model

// BridgeMethod records how a bridge definition was derived.
type BridgeMethod string

const (
	BridgeMethodRule BridgeMethod = "rule"
	BridgeMethodLLM  BridgeMethod = "llm"
	BridgeMethodBoth BridgeMethod = "both"
	BridgeMethodNone BridgeMethod = "none"
)

// BridgeDefinition abstracts what a decision looks like (structure) and what
// it solves (function) for cross-domain similarity matching.
type BridgeDefinition struct {
	Structure   string       `json:"structure" yaml:"structure"`
	Function    string       `json:"function" yaml:"function"`
	Enforcement []string     `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
	Prevention  []string     `json:"prevention,omitempty" yaml:"prevention,omitempty"`
	Tolerance   []string     `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	Method      BridgeMethod `json:"method,omitempty" yaml:"method,omitempty"`
}

// ToMap converts the bridge into its generic map form for vector-store
// metadata and wire payloads.
func (b *BridgeDefinition) ToMap() map[string]any {
	m := map[string]any{
		"structure": b.Structure,
		"function":  b.Function,
	}
	if len(b.Enforcement) > 0 {
		m["enforcement"] = append([]string(nil), b.Enforcement...)
	}
	if len(b.Prevention) > 0 {
		m["prevention"] = append([]string(nil), b.Prevention...)
	}
	if len(b.Tolerance) > 0 {
		m["tolerance"] = append([]string(nil), b.Tolerance...)
	}
	if b.Method != "" {
		m["method"] = string(b.Method)
	}
	return m
}

// BridgeFromMap reconstructs a bridge from its map form. Inverse of ToMap.
func BridgeFromMap(m map[string]any) *BridgeDefinition {
	if m == nil {
		return nil
	}
	b := &BridgeDefinition{}
	if v, ok := m["structure"].(string); ok {
		b.Structure = v
	}
	if v, ok := m["function"].(string); ok {
		b.Function = v
	}
	b.Enforcement = stringSlice(m["enforcement"])
	b.Prevention = stringSlice(m["prevention"])
	b.Tolerance = stringSlice(m["tolerance"])
	if v, ok := m["method"].(string); ok {
		b.Method = BridgeMethod(v)
	}
	return b
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
