package decider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/plaenen/commandkernel/pkg/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownCommandType is returned when no definition is registered
	// for a command type.
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrUnknownStreamType is returned when no evolver is registered for a
	// stream type.
	ErrUnknownStreamType = errors.New("unknown stream type")
)

// Registry maps command types to decider definitions and stream types to
// evolvers. It is an explicit object: callers construct one, register into
// it and pass it by reference. Registration happens at startup and panics
// on programmer errors; lookups at runtime return errors.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	schemas     map[string]*jsonschema.Schema
	evolvers    map[string]EvolveFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		schemas:     make(map[string]*jsonschema.Schema),
		evolvers:    make(map[string]EvolveFunc),
	}
}

// Register adds a definition. It panics on a duplicate command type, on an
// incomplete definition or on a payload schema that does not compile.
func (r *Registry) Register(def Definition) {
	if def.CommandType == "" {
		panic("decider: definition has no command type")
	}
	if def.StreamType == "" {
		panic(fmt.Sprintf("decider: definition %s has no stream type", def.CommandType))
	}
	if def.Decide == nil {
		panic(fmt.Sprintf("decider: definition %s has no decide function", def.CommandType))
	}

	var schema *jsonschema.Schema
	if def.PayloadSchema != "" {
		compiled, err := compileSchema(def.CommandType, def.PayloadSchema)
		if err != nil {
			panic(fmt.Sprintf("decider: definition %s: %v", def.CommandType, err))
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.CommandType]; exists {
		panic(fmt.Sprintf("decider: definition already registered for command type: %s", def.CommandType))
	}
	r.definitions[def.CommandType] = &def
	if schema != nil {
		r.schemas[def.CommandType] = schema
	}
}

// RegisterEvolver adds the evolver for a stream type. It panics on a
// duplicate stream type or a nil function.
func (r *Registry) RegisterEvolver(streamType string, evolve EvolveFunc) {
	if streamType == "" {
		panic("decider: evolver has no stream type")
	}
	if evolve == nil {
		panic(fmt.Sprintf("decider: evolver for %s is nil", streamType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.evolvers[streamType]; exists {
		panic(fmt.Sprintf("decider: evolver already registered for stream type: %s", streamType))
	}
	r.evolvers[streamType] = evolve
}

// Definition returns the definition for a command type.
func (r *Registry) Definition(commandType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommandType, commandType)
	}
	return def, nil
}

// ValidatePayload checks a command payload against the registered schema.
// It returns nil when the definition has no schema. A non-nil error is a
// validation failure the caller should surface as a command rejection.
func (r *Registry) ValidatePayload(commandType string, payload map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[commandType]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(payload)); err != nil {
		return fmt.Errorf("payload for %s: %w", commandType, err)
	}
	return nil
}

// Fold replays events through the stream type's evolver, starting from
// state (nil for an empty stream). Event payloads are decoded before the
// evolver sees them.
func (r *Registry) Fold(streamType string, state map[string]any, events []*domain.Event) (map[string]any, error) {
	r.mu.RLock()
	evolve, ok := r.evolvers[streamType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStreamType, streamType)
	}

	for _, e := range events {
		payload, err := domain.DecodePayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode event %s payload: %w", e.ID, err)
		}
		state = evolve(state, domain.EventDraft{EventType: e.EventType, Payload: payload})
	}
	return state, nil
}

// Apply runs a single event draft through the stream type's evolver.
func (r *Registry) Apply(streamType string, state map[string]any, event domain.EventDraft) (map[string]any, error) {
	r.mu.RLock()
	evolve, ok := r.evolvers[streamType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStreamType, streamType)
	}
	return evolve(state, event), nil
}

// CommandTypes returns the registered command types, sorted.
func (r *Registry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func compileSchema(commandType, source string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://commands/%s.schema.json", commandType)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("load payload schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}

// normalizeForSchema rewrites a decoded payload into the shapes the schema
// validator expects: structpb decoding yields float64 numbers and
// map[string]any objects already, but nested typed maps produced by callers
// constructing payloads in Go need widening to any-keyed forms.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
