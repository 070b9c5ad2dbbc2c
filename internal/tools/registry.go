package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/loomchat/loom/internal/engine"
	"github.com/loomchat/loom/internal/fault"
)

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Param describes one tool parameter.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Optional    bool   `json:"optional,omitempty"`
}

// Definition is the registry's tool metadata plus its handler. Blocking
// handlers run on the worker pool so they never stall the streaming loop;
// network-bound handlers are invoked directly.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  map[string]Param `json:"parameters"`
	Blocking    bool             `json:"-"`
	Handler     HandlerFunc      `json:"-"`
}

// schemaJSON projects the definition into an OpenAI function schema.
func (d Definition) schemaJSON() string {
	properties := make(map[string]map[string]string, len(d.Parameters))
	var required []string
	for name, p := range d.Parameters {
		properties[name] = map[string]string{
			"type":        p.Type,
			"description": p.Description,
		}
		if !p.Optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

// Registry holds tool definitions and dispatches calls. It implements
// engine.ToolRunner.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	pool   *workerPool
	logger *slog.Logger
}

func NewRegistry(workers int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:   make(map[string]Definition),
		pool:   newWorkerPool(workers),
		logger: logger,
	}
}

func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition has no name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Definitions returns all registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas implements engine.ToolRunner. A nil subset means every tool.
func (r *Registry) Schemas(enabled []string) []engine.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subset map[string]bool
	if enabled != nil {
		subset = make(map[string]bool, len(enabled))
		for _, name := range enabled {
			subset[name] = true
		}
	}

	var out []engine.ToolSchema
	for name, def := range r.defs {
		if subset != nil && !subset[name] {
			continue
		}
		out = append(out, engine.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			JSONSchema:  def.schemaJSON(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute implements engine.ToolRunner. Arguments are validated against the
// tool's schema before the handler runs.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, enabled []string) (string, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fault.New(fault.KindTool, "unknown tool %q", name)
	}
	if enabled != nil {
		found := false
		for _, n := range enabled {
			if n == name {
				found = true
				break
			}
		}
		if !found {
			return "", fault.New(fault.KindTool, "tool %q is not enabled", name)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(def, args); err != nil {
		return "", err
	}

	r.logger.Debug("dispatching tool", "tool", name, "blocking", def.Blocking)
	if def.Blocking {
		return r.pool.run(ctx, func(ctx context.Context) (string, error) {
			return def.Handler(ctx, args)
		})
	}
	return def.Handler(ctx, args)
}

func validateArgs(def Definition, args map[string]any) error {
	schemaLoader := gojsonschema.NewStringLoader(def.schemaJSON())
	documentLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fault.Wrap(fault.KindTool, err, "failed to validate arguments for %s", def.Name)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fault.New(fault.KindTool, "invalid arguments for %s: %s", def.Name, strings.Join(msgs, "; "))
	}
	return nil
}

// Close drains the worker pool.
func (r *Registry) Close() {
	r.pool.close()
}
