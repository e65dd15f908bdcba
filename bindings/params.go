package bindings

import (
	"encoding/json"
	"fmt"
)

// ParamSpec declares how positional call arguments map onto a method's
// parameter object.
type ParamSpec struct {
	// Keys is the ordered list of parameter names positional arguments are
	// assigned to. A single scalar argument always lands on Keys[0].
	Keys []string `json:"keys,omitempty" yaml:"keys,omitempty"`

	// WrapArray, when set, wraps a single array argument as {WrapArray: arr}.
	WrapArray string `json:"wrapArray,omitempty" yaml:"wrapArray,omitempty"`

	// WrapObject, when set, wraps a single object argument as {WrapObject: obj}.
	WrapObject string `json:"wrapObject,omitempty" yaml:"wrapObject,omitempty"`
}

// normalizer holds everything normalize needs about one method
type normalizer struct {
	method   string
	spec     ParamSpec
	names    map[string]bool
	fallback []string
}

// normalize maps call arguments onto a parameter value. It is a pure
// function of the normalizer and args.
func (n normalizer) normalize(args []any) (any, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		return n.single(args[0])
	default:
		return n.multiple(args)
	}
}

func (n normalizer) single(arg any) (any, error) {
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case []any:
		if n.spec.WrapArray != "" {
			return map[string]any{n.spec.WrapArray: v}, nil
		}
		return v, nil
	case map[string]any:
		if n.spec.WrapObject != "" {
			return map[string]any{n.spec.WrapObject: v}, nil
		}
		return v, nil
	}

	if !isScalar(arg) {
		return nil, fmt.Errorf("%w: %s: unsupported argument type %T", ErrPositionalArgs, n.method, arg)
	}

	if len(n.spec.Keys) > 0 {
		return map[string]any{n.spec.Keys[0]: arg}, nil
	}

	if len(n.fallback) > 0 {
		params := make(map[string]any, len(n.fallback))
		for _, key := range n.fallback {
			params[key] = arg
		}
		return params, nil
	}

	return nil, fmt.Errorf("%w: %s does not accept a positional argument, pass an object", ErrPositionalArgs, n.method)
}

func (n normalizer) multiple(args []any) (any, error) {
	positional := args
	var options map[string]any

	if last, ok := args[len(args)-1].(map[string]any); ok && n.overlaps(last) {
		positional = args[:len(args)-1]
		options = last
	}

	if len(positional) > len(n.spec.Keys) {
		return nil, fmt.Errorf("%w: %s accepts at most %d positional arguments, got %d",
			ErrPositionalArgs, n.method, len(n.spec.Keys), len(positional))
	}

	params := make(map[string]any, len(positional)+len(options))
	for i, arg := range positional {
		if arg == nil {
			continue
		}
		params[n.spec.Keys[i]] = arg
	}
	for k, v := range options {
		params[k] = v
	}

	return params, nil
}

// overlaps reports whether obj shares at least one key with the method's
// declared parameter names.
func (n normalizer) overlaps(obj map[string]any) bool {
	for k := range obj {
		if n.names[k] {
			return true
		}
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, float64, float32, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	default:
		return false
	}
}
