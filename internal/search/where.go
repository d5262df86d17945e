package search

import "strings"

// EvalWhere evaluates a where-clause against one metadata map. Used by the
// in-memory store and as the reference semantics for backend translators.
func EvalWhere(meta map[string]any, where Where) bool {
	if len(where) == 0 {
		return true
	}
	for key, cond := range where {
		switch key {
		case "$and":
			for _, sub := range toClauseList(cond) {
				if !EvalWhere(meta, sub) {
					return false
				}
			}
		case "$or":
			subs := toClauseList(cond)
			if len(subs) == 0 {
				continue
			}
			any := false
			for _, sub := range subs {
				if EvalWhere(meta, sub) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		default:
			if !evalField(meta[key], cond) {
				return false
			}
		}
	}
	return true
}

func toClauseList(v any) []Where {
	var out []Where
	switch vv := v.(type) {
	case []Where:
		return vv
	case []any:
		for _, e := range vv {
			switch m := e.(type) {
			case Where:
				out = append(out, m)
			case map[string]any:
				out = append(out, Where(m))
			}
		}
	case []map[string]any:
		for _, m := range vv {
			out = append(out, Where(m))
		}
	}
	return out
}

func evalField(value, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok {
		if w, isW := cond.(Where); isW {
			ops = map[string]any(w)
		} else {
			return scalarEqual(value, cond)
		}
	}

	for op, operand := range ops {
		switch op {
		case "$ne":
			if scalarEqual(value, operand) {
				return false
			}
		case "$gte", "$lte", "$gt", "$lt":
			a, aok := toFloat(value)
			b, bok := toFloat(operand)
			if !aok || !bok {
				return false
			}
			switch op {
			case "$gte":
				if !(a >= b) {
					return false
				}
			case "$lte":
				if !(a <= b) {
					return false
				}
			case "$gt":
				if !(a > b) {
					return false
				}
			case "$lt":
				if !(a < b) {
					return false
				}
			}
		case "$in":
			if !inList(value, operand) {
				return false
			}
		case "$nin":
			if inList(value, operand) {
				return false
			}
		case "$contains":
			if !containsElement(value, operand) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func inList(value, operand any) bool {
	list, ok := operand.([]any)
	if !ok {
		if ss, sok := operand.([]string); sok {
			for _, s := range ss {
				if scalarEqual(value, s) {
					return true
				}
			}
			return false
		}
		return false
	}
	for _, e := range list {
		if scalarEqual(value, e) {
			return true
		}
	}
	return false
}

// containsElement matches list-valued metadata ([]string / []any) element
// membership; for string metadata it falls back to substring match.
func containsElement(value, operand any) bool {
	needle, ok := operand.(string)
	if !ok {
		return false
	}
	switch vv := value.(type) {
	case []string:
		for _, e := range vv {
			if e == needle {
				return true
			}
		}
	case []any:
		for _, e := range vv {
			if s, sok := e.(string); sok && s == needle {
				return true
			}
		}
	case string:
		return strings.Contains(vv, needle)
	}
	return false
}
