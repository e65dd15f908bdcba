package bindings

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/codemode/registry"
)

// Options configures how a Binding is built from a registry
type Options struct {
	// ToolPrefix is stripped from tool names before deriving method names.
	ToolPrefix string

	// Aliases maps group -> alias -> canonical method name. Entries whose
	// canonical method does not exist, or which would shadow a canonical
	// method, are skipped.
	Aliases map[string]map[string]string

	// Params declares positional parameter specs keyed by "group.method"
	// or by bare method name. Methods without a declared spec derive one
	// from their input schema's required list.
	Params map[string]ParamSpec

	// FallbackKeys enables the legacy heuristic for a single scalar
	// argument on a method without positional keys: every listed key is
	// populated with the argument. Empty disables it.
	FallbackKeys []string

	// MaxToolCalls limits tool calls per Session. Zero means unlimited.
	MaxToolCalls int
}

// Method is one callable entry of a group
type Method struct {
	Group   string
	Name    string
	Tool    registry.Tool
	Params  ParamSpec
	Aliases []string

	names map[string]bool
}

// Binding is the grouped, alias-aware call surface built from a registry.
// It is immutable after Build and safe for concurrent use.
type Binding struct {
	logger       *zap.Logger
	groups       map[string]map[string]*Method
	groupOrder   []string
	aliases      map[string]map[string]string
	fallbackKeys []string
	maxToolCalls int
}

// Build computes the (group, method) -> tool and alias -> canonical lookup
// tables for reg. It never invokes handlers.
func Build(logger *zap.Logger, reg *registry.Registry, opts Options) (*Binding, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrConfiguration)
	}

	b := &Binding{
		logger:       logger,
		groups:       make(map[string]map[string]*Method),
		aliases:      make(map[string]map[string]string),
		fallbackKeys: append([]string(nil), opts.FallbackKeys...),
		maxToolCalls: opts.MaxToolCalls,
	}

	for _, tool := range reg.Tools() {
		name := MethodName(tool.Name, tool.Group, opts.ToolPrefix)
		if name == "" {
			return nil, fmt.Errorf("%w: tool %s derives an empty method name", ErrConfiguration, tool.Name)
		}

		methods, ok := b.groups[tool.Group]
		if !ok {
			methods = make(map[string]*Method)
			b.groups[tool.Group] = methods
			b.groupOrder = append(b.groupOrder, tool.Group)
		}
		if existing, dup := methods[name]; dup {
			return nil, fmt.Errorf("%w: tools %s and %s both map to %s.%s",
				ErrConfiguration, existing.Tool.Name, tool.Name, tool.Group, name)
		}

		methods[name] = &Method{Group: tool.Group, Name: name, Tool: tool}
	}

	if err := b.applyParams(opts.Params); err != nil {
		return nil, err
	}
	b.applyAliases(opts.Aliases)

	logger.Debug("bindings built",
		zap.Int("groups", len(b.groups)),
		zap.Int("tools", reg.Len()))

	return b, nil
}

func (b *Binding) applyParams(declared map[string]ParamSpec) error {
	used := make(map[string]bool, len(declared))

	for _, group := range b.groupOrder {
		for name, m := range b.groups[group] {
			spec, key, ok := lookupSpec(declared, group, name)
			if ok {
				used[key] = true
				if err := validateSpec(m, spec); err != nil {
					return err
				}
			} else {
				spec = specFromSchema(m.Tool.InputSchema.Required, m.Tool.InputSchema.Properties)
			}

			m.Params = spec
			m.names = make(map[string]bool, len(m.Tool.InputSchema.Properties)+len(spec.Keys))
			for prop := range m.Tool.InputSchema.Properties {
				m.names[prop] = true
			}
			for _, k := range spec.Keys {
				m.names[k] = true
			}
		}
	}

	var unknown []string
	for key := range declared {
		if !used[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: parameter specs for unknown methods: %s",
			ErrConfiguration, strings.Join(unknown, ", "))
	}

	return nil
}

// lookupSpec prefers the qualified "group.method" key over the bare name
func lookupSpec(declared map[string]ParamSpec, group, name string) (ParamSpec, string, bool) {
	qualified := group + "." + name
	if spec, ok := declared[qualified]; ok {
		return spec, qualified, true
	}
	if spec, ok := declared[name]; ok {
		return spec, name, true
	}
	return ParamSpec{}, "", false
}

func validateSpec(m *Method, spec ParamSpec) error {
	props := m.Tool.InputSchema.Properties
	seen := make(map[string]bool, len(spec.Keys))

	check := func(key string) error {
		if len(props) == 0 {
			return nil
		}
		if _, ok := props[key]; !ok {
			return fmt.Errorf("%w: %s.%s: parameter %q is not in the input schema",
				ErrConfiguration, m.Group, m.Name, key)
		}
		return nil
	}

	for _, k := range spec.Keys {
		if k == "" {
			return fmt.Errorf("%w: %s.%s: empty positional key", ErrConfiguration, m.Group, m.Name)
		}
		if seen[k] {
			return fmt.Errorf("%w: %s.%s: positional key %q repeated", ErrConfiguration, m.Group, m.Name, k)
		}
		seen[k] = true
		if err := check(k); err != nil {
			return err
		}
	}
	for _, k := range []string{spec.WrapArray, spec.WrapObject} {
		if k == "" {
			continue
		}
		if err := check(k); err != nil {
			return err
		}
	}

	return nil
}

// specFromSchema derives positional keys from the schema's required list,
// or from its only property when nothing is required.
func specFromSchema(required []string, props map[string]any) ParamSpec {
	if len(required) > 0 {
		return ParamSpec{Keys: append([]string(nil), required...)}
	}
	if len(props) == 1 {
		for k := range props {
			return ParamSpec{Keys: []string{k}}
		}
	}
	return ParamSpec{}
}

func (b *Binding) applyAliases(aliases map[string]map[string]string) {
	for group, table := range aliases {
		methods, ok := b.groups[group]
		if !ok {
			b.logger.Debug("skipping aliases for unknown group", zap.String("group", group))
			continue
		}

		names := make([]string, 0, len(table))
		for alias := range table {
			names = append(names, alias)
		}
		sort.Strings(names)

		for _, alias := range names {
			canonical := table[alias]
			target, ok := methods[canonical]
			if !ok || alias == "" {
				b.logger.Debug("skipping dangling alias",
					zap.String("group", group),
					zap.String("alias", alias),
					zap.String("canonical", canonical))
				continue
			}
			if _, shadows := methods[alias]; shadows {
				b.logger.Debug("skipping alias shadowing a method",
					zap.String("group", group),
					zap.String("alias", alias))
				continue
			}

			if b.aliases[group] == nil {
				b.aliases[group] = make(map[string]string)
			}
			b.aliases[group][alias] = canonical
			target.Aliases = append(target.Aliases, alias)
		}
	}
}

// Resolve returns the canonical method for a (group, name) pair, following
// aliases.
func (b *Binding) Resolve(group, name string) (*Method, error) {
	methods, ok := b.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %q", ErrBindingResolution, group)
	}
	if m, ok := methods[name]; ok {
		return m, nil
	}
	if canonical, ok := b.aliases[group][name]; ok {
		if m, ok := methods[canonical]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown method %s.%s", ErrBindingResolution, group, name)
}

// NormalizeParams maps args onto the parameter value for methodName, given
// as "group.method" or a bare method name unique across groups. Aliases
// resolve to their canonical method first.
func (b *Binding) NormalizeParams(methodName string, args []any) (any, error) {
	m, err := b.lookup(methodName)
	if err != nil {
		return nil, err
	}
	return b.normalizerFor(m).normalize(args)
}

func (b *Binding) lookup(methodName string) (*Method, error) {
	if group, name, ok := strings.Cut(methodName, "."); ok {
		return b.Resolve(group, name)
	}

	var found *Method
	for _, group := range b.groupOrder {
		m, err := b.Resolve(group, methodName)
		if err != nil {
			continue
		}
		if found != nil && found != m {
			return nil, fmt.Errorf("%w: method %q is ambiguous, qualify it with a group",
				ErrBindingResolution, methodName)
		}
		found = m
	}
	if found == nil {
		return nil, fmt.Errorf("%w: unknown method %q", ErrBindingResolution, methodName)
	}
	return found, nil
}

func (b *Binding) normalizerFor(m *Method) normalizer {
	return normalizer{
		method:   m.Group + "." + m.Name,
		spec:     m.Params,
		names:    m.names,
		fallback: b.fallbackKeys,
	}
}

// Call resolves, normalizes and invokes a method
func (b *Binding) Call(ctx context.Context, ec registry.ExecutionContext, group, name string, args []any) (any, error) {
	m, err := b.Resolve(group, name)
	if err != nil {
		return nil, err
	}

	params, err := b.normalizerFor(m).normalize(args)
	if err != nil {
		return nil, err
	}

	result, err := m.Tool.Handler(ctx, params, ec)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", m.Group, m.Name, err)
	}
	return result, nil
}

// Groups returns group names in registry order
func (b *Binding) Groups() []string {
	return append([]string(nil), b.groupOrder...)
}

// Methods returns, per group, the sorted callable names including aliases
func (b *Binding) Methods() map[string][]string {
	out := make(map[string][]string, len(b.groups))
	for group, methods := range b.groups {
		names := make([]string, 0, len(methods)+len(b.aliases[group]))
		for name := range methods {
			names = append(names, name)
		}
		for alias := range b.aliases[group] {
			names = append(names, alias)
		}
		sort.Strings(names)
		out[group] = names
	}
	return out
}

// MethodInfo describes one canonical method for API listings
type MethodInfo struct {
	Name        string    `json:"name" yaml:"name"`
	Tool        string    `json:"tool" yaml:"tool"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Aliases     []string  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Params      ParamSpec `json:"params" yaml:"params"`
}

// GroupInfo describes one group for API listings
type GroupInfo struct {
	Name    string       `json:"name" yaml:"name"`
	Methods []MethodInfo `json:"methods" yaml:"methods"`
}

// Describe lists the call surface in registry group order with methods
// sorted by name.
func (b *Binding) Describe() []GroupInfo {
	groups := make([]GroupInfo, 0, len(b.groupOrder))
	for _, group := range b.groupOrder {
		methods := b.groups[group]
		names := make([]string, 0, len(methods))
		for name := range methods {
			names = append(names, name)
		}
		sort.Strings(names)

		info := GroupInfo{Name: group}
		for _, name := range names {
			m := methods[name]
			aliases := append([]string(nil), m.Aliases...)
			sort.Strings(aliases)
			info.Methods = append(info.Methods, MethodInfo{
				Name:        m.Name,
				Tool:        m.Tool.Name,
				Description: m.Tool.Description,
				Aliases:     aliases,
				Params:      m.Params,
			})
		}
		groups = append(groups, info)
	}
	return groups
}
