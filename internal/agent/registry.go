package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Declared schemas are compiled once and used to validate model
// arguments before dispatch.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*schemavalidate.Schema
}

// NewToolRegistry creates a new empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*schemavalidate.Schema),
	}
}

// Register adds a tool to the registry by its name.
// If a tool with the same name already exists, it is replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	delete(r.compiled, name)
	if schema := tool.Schema(); len(schema) > 0 {
		compiler := schemavalidate.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err == nil {
			if compiled, err := compiler.Compile(name + ".json"); err == nil {
				r.compiled[name] = compiled
			}
		}
	}
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.compiled, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// ValidateArguments checks parsed arguments against the tool's declared
// schema. A missing tool or schema passes; validation failures return a
// descriptive error for feeding back to the model.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	compiled := r.compiled[name]
	r.mu.RUnlock()
	if compiled == nil {
		return nil
	}
	// Round-trip through JSON so numbers validate as json.Number-compatible
	// values rather than Go ints.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match schema for %s: %w", name, err)
	}
	return nil
}

// Execute runs a tool by name with parsed arguments. Failures are returned
// as error-shaped ToolOutputs, never raised, so the model can react.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]any) (*ToolOutput, error) {
	if len(name) > MaxToolNameLength {
		return &ToolOutput{
			Success: false,
			Error:   fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolOutput{
			Success: false,
			Error:   "tool not found: " + name,
		}, nil
	}

	if err := r.ValidateArguments(name, args); err != nil {
		return &ToolOutput{
			Success: false,
			Error:   err.Error(),
		}, nil
	}

	return tool.Execute(ctx, args)
}

// AsToolDefinitions returns all registered tools in the wire format LLM
// clients expect, ordered by registration map iteration.
func (r *ToolRegistry) AsToolDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}

// RecoverArguments attempts a lenient JSON5 parse of a raw argument string
// that failed strict JSON parsing. Models occasionally emit trailing commas
// or unquoted keys; JSON5 accepts both.
func RecoverArguments(raw string) (map[string]any, bool) {
	if len(raw) == 0 || len(raw) > MaxToolParamsSize {
		return nil, false
	}
	args := map[string]any{}
	if err := json5.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	return args, true
}

// SchemaFor derives a JSON Schema from a Go parameter struct. Used by tool
// implementations to declare their schema without hand-writing JSON.
func SchemaFor(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: false,
	}
	schema := reflector.Reflect(v)
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// FuncTool adapts a plain function into a Tool. Convenient for wiring
// collaborator-provided tools and test doubles.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Parallel        bool
	Fn              func(ctx context.Context, args map[string]any) (*ToolOutput, error)
}

// Name returns the tool name.
func (t *FuncTool) Name() string { return t.ToolName }

// Description returns the tool description.
func (t *FuncTool) Description() string { return t.ToolDescription }

// Schema returns the tool's parameter schema.
func (t *FuncTool) Schema() json.RawMessage {
	if len(t.ToolSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.ToolSchema
}

// ParallelSafe reports whether the tool may run in a parallel batch.
func (t *FuncTool) ParallelSafe() bool { return t.Parallel }

// Execute invokes the wrapped function.
func (t *FuncTool) Execute(ctx context.Context, args map[string]any) (*ToolOutput, error) {
	return t.Fn(ctx, args)
}
