package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// HandlerFunc executes one method. The returned error is mapped onto the
// wire: *Error passes through, validation errors become invalid-params,
// not-found becomes the not-found code, anything else the method's
// failure code.
type HandlerFunc func(ctx context.Context, p Params) (any, error)

type method struct {
	handler     HandlerFunc
	failureCode int
}

// Dispatcher routes namespaced methods to handlers.
type Dispatcher struct {
	logger  *slog.Logger
	methods map[string]method
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, methods: make(map[string]method)}
}

// Register binds a bare method name (without the namespace) to a handler.
// failureCode is the application error code used for unclassified errors.
func (d *Dispatcher) Register(name string, failureCode int, h HandlerFunc) {
	d.methods[name] = method{handler: h, failureCode: failureCode}
}

// Methods lists the registered bare names, sorted.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for name := range d.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes one request body and executes it. It always returns a
// response envelope; protocol failures are in-band errors.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) *Response {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, NewError(CodeParseError, "parse error"))
	}
	if req.JSONRPC != Version || req.Method == "" {
		return errorResponse(req.ID, NewError(CodeInvalidRequest, "invalid request"))
	}

	name, ok := strings.CutPrefix(req.Method, MethodNamespace)
	if !ok {
		return errorResponse(req.ID, d.methodNotFound(req.Method))
	}
	m, ok := d.methods[name]
	if !ok {
		return errorResponse(req.ID, d.methodNotFound(req.Method))
	}

	params, perr := decodeParams(req.Params)
	if perr != nil {
		return errorResponse(req.ID, perr)
	}

	result, err := m.handler(ctx, params)
	if err != nil {
		return errorResponse(req.ID, d.mapError(req.Method, m, err))
	}
	return successResponse(req.ID, result)
}

func (d *Dispatcher) methodNotFound(full string) *Error {
	return NewError(CodeMethodNotFound, fmt.Sprintf("method %q not found", full)).
		WithData(map[string]any{"knownMethods": d.Methods()})
}

func (d *Dispatcher) mapError(methodName string, m method, err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return NewError(CodeInvalidParams, verr.Message).
			WithData(map[string]any{"fields": verr.Fields})
	}
	if errors.Is(err, model.ErrNotFound) {
		return NewError(CodeNotFound, err.Error())
	}

	d.logger.Error("rpc: method failed", "method", methodName, "error", err)
	code := m.failureCode
	if code == 0 {
		code = CodeInternal
	}
	return NewError(code, err.Error()).
		WithData(map[string]any{"class": fmt.Sprintf("%T", err)})
}

// Params is the normalized named-parameter bag. Keys are camelCase
// regardless of the wire spelling.
type Params map[string]any

// decodeParams enforces named parameters and normalizes key casing.
func decodeParams(raw json.RawMessage) (Params, *Error) {
	if len(raw) == 0 {
		return Params{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewError(CodeInvalidParams, "params must be a JSON object (named parameters)")
	}
	return Params(normalizeKeys(m).(map[string]any)), nil
}

// normalizeKeys converts snake_case keys to camelCase, recursively.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[snakeToCamel(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// Decode re-marshals the params into a struct with camelCase json tags.
func (p Params) Decode(out any) error {
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return NewError(CodeInvalidParams, err.Error())
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return NewError(CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// Str returns a string parameter, or "" when absent.
func (p Params) Str(key string) string {
	s, _ := p[key].(string)
	return s
}

// Bool returns a boolean parameter, defaulting to false.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// Int returns an integer parameter, or 0.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Float returns a numeric parameter and whether it was present.
func (p Params) Float(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case json.Number:
		f, _ := v.Float64()
		return f, true
	}
	return 0, false
}

// StrSlice returns a []string parameter; scalar strings promote to a
// one-element slice.
func (p Params) StrSlice(key string) []string {
	switch v := p[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has reports presence of a key.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}
