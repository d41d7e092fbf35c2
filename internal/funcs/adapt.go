package funcs

import (
	"context"
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Adapt converts an arbitrary Go function to the canonical Func signature.
//
// An optional leading context.Context parameter receives the call context.
// Remaining parameters are filled positionally from the call arguments with
// JSON-shape coercion (numbers arrive as float64, objects as
// map[string]any); missing arguments become zero values and extra arguments
// are dropped, matching the loose arity of the scripting guests on the
// other side. Results map as: no returns -> (nil, nil); a single error ->
// (nil, err); a single value -> (value, nil); (value, error) -> both. Any
// other return shape is rejected.
func Adapt(fn any) (Func, error) {
	switch f := fn.(type) {
	case Func:
		return f, nil
	case func(context.Context, ...any) (any, error):
		return Func(f), nil
	}

	rv := reflect.ValueOf(fn)
	if !rv.IsValid() || rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrNotAFunction, fn)
	}

	rt := rv.Type()
	if err := checkReturns(rt); err != nil {
		return nil, err
	}

	wantsCtx := rt.NumIn() > 0 && rt.In(0) == contextType

	return func(ctx context.Context, args ...any) (any, error) {
		in, err := buildArgs(rt, wantsCtx, ctx, args)
		if err != nil {
			return nil, err
		}
		return mapReturns(rt, rv.Call(in))
	}, nil
}

func checkReturns(rt reflect.Type) error {
	switch rt.NumOut() {
	case 0, 1:
		return nil
	case 2:
		if rt.Out(1).Implements(errorType) {
			return nil
		}
	}
	return fmt.Errorf("funcs: unsupported return signature %s", rt)
}

func buildArgs(rt reflect.Type, wantsCtx bool, ctx context.Context, args []any) ([]reflect.Value, error) {
	in := make([]reflect.Value, 0, rt.NumIn())
	if wantsCtx {
		in = append(in, reflect.ValueOf(ctx))
	}

	fixed := rt.NumIn()
	if rt.IsVariadic() {
		fixed--
	}

	next := 0
	for i := len(in); i < fixed; i++ {
		var arg any
		if next < len(args) {
			arg = args[next]
			next++
		}
		v, err := coerce(arg, rt.In(i))
		if err != nil {
			return nil, fmt.Errorf("funcs: argument %d: %w", next, err)
		}
		in = append(in, v)
	}

	if rt.IsVariadic() {
		elem := rt.In(rt.NumIn() - 1).Elem()
		for ; next < len(args); next++ {
			v, err := coerce(args[next], elem)
			if err != nil {
				return nil, fmt.Errorf("funcs: argument %d: %w", next+1, err)
			}
			in = append(in, v)
		}
	}

	return in, nil
}

func mapReturns(rt reflect.Type, out []reflect.Value) (any, error) {
	switch rt.NumOut() {
	case 0:
		return nil, nil
	case 1:
		if rt.Out(0).Implements(errorType) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		return out[0].Interface(), asError(out[1])
	}
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

// coerce converts one argument to the parameter type. Assignable values
// pass straight through, numeric kinds convert, and everything else takes
// a JSON round trip so map-shaped arguments can fill struct parameters.
func coerce(arg any, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}

	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}

	if isNumeric(v.Kind()) && isNumeric(t.Kind()) {
		return v.Convert(t), nil
	}

	raw, err := sonic.Marshal(arg)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, t)
	}
	out := reflect.New(t)
	if err := sonic.Unmarshal(raw, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, t)
	}
	return out.Elem(), nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
