package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMethodNotFound is returned when a method path cannot be resolved or
// resolves to something that is not invocable. The message text is part of
// the wire contract.
var ErrMethodNotFound = errors.New("Method not found")

// DomainError is a structured failure thrown by a controller method. It is
// passed through to the caller verbatim so UIs can branch on Code; every
// other thrown value is normalized to a bare {error:true, message}.
type DomainError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// MarshalJSON emits the canonical {error:true, code, message, ...details}
// shape.
func (e *DomainError) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Details)+3)
	for k, v := range e.Details {
		out[k] = v
	}
	out["error"] = true
	out["code"] = e.Code
	out["message"] = e.Message
	return json.Marshal(out)
}

// ControllerRegistry is the root object method paths are walked over. The
// wallet collaborator registers its surfaces under top-level names such as
// "wallet" and "dapp"; nodes are either nested maps or structs whose
// methods are resolved by name.
type ControllerRegistry struct {
	roots map[string]any
}

func NewControllerRegistry() *ControllerRegistry {
	return &ControllerRegistry{roots: make(map[string]any)}
}

// Register mounts a controller under a top-level name.
func (r *ControllerRegistry) Register(name string, controller any) {
	r.roots[name] = controller
}

// Invoke walks the method path over the registry and calls the resolved
// leaf with params spread. Functions cannot cross the message boundary, so
// a path resolving to an uninvoked function value is a caller error.
func (r *ControllerRegistry) Invoke(ctx context.Context, path []string, params []any) (any, error) {
	fn, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return callReflected(ctx, fn, params)
}

// Resolves reports whether the path reaches a callable leaf without
// invoking it.
func (r *ControllerRegistry) Resolves(path []string) bool {
	_, err := r.resolve(path)
	return err == nil
}

func (r *ControllerRegistry) resolve(path []string) (reflect.Value, error) {
	if len(path) == 0 {
		return reflect.Value{}, ErrMethodNotFound
	}
	current, ok := r.roots[path[0]]
	if !ok || current == nil {
		return reflect.Value{}, ErrMethodNotFound
	}
	node := reflect.ValueOf(current)
	for _, segment := range path[1:] {
		next, ok := child(node, segment)
		if !ok {
			return reflect.Value{}, ErrMethodNotFound
		}
		node = next
	}
	if node.Kind() != reflect.Func {
		return reflect.Value{}, ErrMethodNotFound
	}
	return node, nil
}

func child(node reflect.Value, segment string) (reflect.Value, bool) {
	for node.Kind() == reflect.Interface {
		node = node.Elem()
	}
	if node.Kind() == reflect.Map && node.Type().Key().Kind() == reflect.String {
		v := node.MapIndex(reflect.ValueOf(segment))
		if v.IsValid() {
			return v, true
		}
		return reflect.Value{}, false
	}
	// Dapp method paths arrive camelCased; Go methods are exported.
	if m := node.MethodByName(exportedName(segment)); m.IsValid() {
		return m, true
	}
	deref := node
	for deref.Kind() == reflect.Pointer {
		deref = deref.Elem()
	}
	if deref.Kind() == reflect.Struct {
		if f := deref.FieldByName(exportedName(segment)); f.IsValid() {
			return f, true
		}
	}
	return reflect.Value{}, false
}

func exportedName(segment string) string {
	if segment == "" {
		return segment
	}
	first, size := utf8.DecodeRuneInString(segment)
	return string(unicode.ToUpper(first)) + segment[size:]
}

// callReflected spreads params over fn's signature, coercing each argument
// through JSON so wire numbers and objects fit Go parameter types. A
// leading context.Context parameter is injected, not consumed from params.
func callReflected(ctx context.Context, fn reflect.Value, params []any) (result any, err error) {
	t := fn.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("variadic controller methods are not supported")
	}

	in := make([]reflect.Value, 0, t.NumIn())
	idx := 0
	if t.NumIn() > 0 && t.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem() {
		in = append(in, reflect.ValueOf(ctx))
		idx = 1
	}
	if t.NumIn()-idx != len(params) {
		return nil, fmt.Errorf("%s: expected %d params, got %d", "invalid params", t.NumIn()-idx, len(params))
	}
	for i, raw := range params {
		arg, err := coerceParam(raw, t.In(idx+i))
		if err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		in = append(in, arg)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("controller method panicked: %v", rec)
		}
	}()
	out := fn.Call(in)
	return splitResults(out)
}

func coerceParam(raw any, want reflect.Type) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(want), nil
	}
	v := reflect.ValueOf(raw)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if v.Type().ConvertibleTo(want) && isScalar(want.Kind()) && isScalar(v.Kind()) {
		return v.Convert(want), nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	target := reflect.New(want)
	if err := json.Unmarshal(blob, target.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return target.Elem(), nil
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String, reflect.Bool:
		return true
	}
	return false
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func splitResults(out []reflect.Value) (any, error) {
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errType) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	case 2:
		if !out[1].Type().Implements(errType) {
			return nil, fmt.Errorf("controller method has unsupported signature")
		}
		if err := asError(out[1]); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("controller method has unsupported signature")
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// controllerErrorPayload maps an Invoke failure to the response body shape:
// structured domain errors verbatim, everything else normalized.
func controllerErrorPayload(err error) map[string]any {
	var domain *DomainError
	if errors.As(err, &domain) {
		out := make(map[string]any, len(domain.Details)+3)
		for k, v := range domain.Details {
			out[k] = v
		}
		out["error"] = true
		out["code"] = domain.Code
		out["message"] = domain.Message
		return out
	}
	return map[string]any{"error": true, "message": strings.TrimSpace(err.Error())}
}
