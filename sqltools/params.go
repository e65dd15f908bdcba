package sqltools

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	identRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	typeNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?$`)
)

// object returns params as a parameter object. nil yields an empty object.
func object(params any) (map[string]any, error) {
	switch p := params.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	default:
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidParams, params)
	}
}

func stringParam(p map[string]any, key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidParams, key)
	}
	return s, nil
}

func boolParam(p map[string]any, key string) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidParams, key)
	}
	return b, nil
}

// identParam returns a validated SQL identifier
func identParam(p map[string]any, key string) (string, error) {
	s, err := stringParam(p, key)
	if err != nil {
		return "", err
	}
	if !identRe.MatchString(s) {
		return "", fmt.Errorf("%w: %s %q is not a valid identifier", ErrInvalidParams, key, s)
	}
	return s, nil
}

// bindArgs converts the "params" entry into statement arguments. An array
// binds positionally, an object binds by name.
func bindArgs(p map[string]any) ([]any, error) {
	switch v := p["params"].(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		args := make([]any, 0, len(v))
		for _, name := range names {
			args = append(args, sql.Named(name, v[name]))
		}
		return args, nil
	default:
		return []any{v}, nil
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
