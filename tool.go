package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes a tool. Returning an error produces an error ToolResult;
// it never aborts the conversation. The returned value is coerced via
// CoerceResult.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ToolMeta describes a tool to the registry and the model.
type ToolMeta struct {
	Name              string
	Description       string
	Access            AccessLevel
	RequiresContext   bool // handler reads RuntimeFromContext
	ParamDescriptions map[string]string
}

// Tool pairs a handler with its metadata and argument schema. The schema is
// compiled once at construction; invalid schemas are rejected up front.
type Tool struct {
	meta     ToolMeta
	schema   json.RawMessage
	compiled *jsonschema.Schema
	handler  Handler
}

// NewTool builds a tool. schema may be nil for tools without arguments.
func NewTool(meta ToolMeta, schema json.RawMessage, handler Handler) (*Tool, error) {
	if meta.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q: handler is required", meta.Name)
	}
	t := &Tool{meta: meta, schema: schema, handler: handler}
	if len(schema) > 0 {
		compiled, err := compileSchema(meta.Name, schema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", meta.Name, err)
		}
		t.compiled = compiled
	}
	return t, nil
}

// MustTool is NewTool that panics on error, for built-in tool constructors.
func MustTool(meta ToolMeta, schema json.RawMessage, handler Handler) *Tool {
	t, err := NewTool(meta, schema, handler)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tool) Meta() ToolMeta { return t.meta }

// Definition returns the provider-facing description of the tool.
func (t *Tool) Definition() ToolDefinition {
	params := t.schema
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return ToolDefinition{
		Name:        t.meta.Name,
		Description: t.meta.Description,
		Parameters:  params,
	}
}

func (t *Tool) validate(args map[string]any) error {
	if t.compiled == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// round-trip through JSON so the instance matches what the validator expects
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return t.compiled.Validate(v)
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// RuntimeContext carries the calling process into handlers of tools marked
// RequiresContext. Handlers retrieve it with RuntimeFromContext.
type RuntimeContext struct {
	Process *Process
}

type runtimeCtxKey struct{}

func withRuntime(ctx context.Context, rt *RuntimeContext) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, rt)
}

// RuntimeFromContext extracts the runtime context injected by the tool
// manager. ok is false when the tool was not invoked through a process.
func RuntimeFromContext(ctx context.Context) (*RuntimeContext, bool) {
	rt, ok := ctx.Value(runtimeCtxKey{}).(*RuntimeContext)
	return rt, ok
}

// ToolManager owns the name→Tool registry of one process and is the single
// gate every tool call passes through: name resolution, tool_call hooks,
// access control, runtime-context injection, argument validation, execution
// with panic recovery, fd wrapping, and tool_result hooks, in that order.
type ToolManager struct {
	tools  map[string]*Tool
	order  []string
	proc   *Process
	runner *EventRunner
	fds    *FileDescriptorManager
	logger *slog.Logger
	tracer Tracer
}

func newToolManager(proc *Process, runner *EventRunner, fds *FileDescriptorManager, logger *slog.Logger, tracer Tracer) *ToolManager {
	if logger == nil {
		logger = nopLogger
	}
	return &ToolManager{
		tools:  make(map[string]*Tool),
		proc:   proc,
		runner: runner,
		fds:    fds,
		logger: logger,
		tracer: tracer,
	}
}

// Register adds a tool. Duplicate names are rejected.
func (m *ToolManager) Register(t *Tool) error {
	name := t.meta.Name
	if _, exists := m.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	m.tools[name] = t
	m.order = append(m.order, name)
	return nil
}

// Names returns registered tool names in registration order.
func (m *ToolManager) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Definitions returns provider-facing definitions in registration order.
func (m *ToolManager) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.tools[name].Definition())
	}
	return out
}

// CallTool executes one tool call through the full pipeline. Tool-level
// failures (unknown name, denied access, bad arguments, handler error or
// panic) come back as error ToolResults for the model to react to. The Go
// error is non-nil only when a behavioral hook fails, which aborts the turn.
func (m *ToolManager) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "tool.call", StringAttr("tool", name))
		defer span.End()
	}

	t, ok := m.tools[name]
	if !ok {
		return ErrorResult("unknown tool %q, available tools: %s", name, strings.Join(m.Names(), ", ")), nil
	}

	args, dec, err := m.runner.HookToolCall(ctx, name, args, m.proc)
	if err != nil {
		return ToolResult{}, err
	}
	if dec != nil && dec.SkipExecution {
		m.logger.Debug("tool call skipped by plugin", "tool", name)
		return dec.SkipResult, nil
	}

	if t.meta.Access.CompareTo(m.proc.Access()) > 0 {
		m.logger.Warn("tool access denied", "tool", name, "required", t.meta.Access, "granted", m.proc.Access())
		return ErrorResult("access denied: tool %q requires %s access, process has %s", name, t.meta.Access, m.proc.Access()), nil
	}

	if t.meta.RequiresContext {
		if m.proc == nil {
			return ErrorResult("tool %q requires a runtime context, none available", name), nil
		}
		ctx = withRuntime(ctx, &RuntimeContext{Process: m.proc})
	}

	if err := t.validate(args); err != nil {
		return ErrorResult("invalid arguments for tool %q: %v", name, err), nil
	}

	m.runner.EmitToolStart(ctx, name, args, m.proc)
	result := m.invoke(ctx, t, args)

	if !result.IsError && m.fds != nil {
		if wrapped, paged := m.fds.WrapToolResult(result.Content, name); paged {
			result = wrapped
		}
	}

	result, err = m.runner.HookToolResult(ctx, name, result, m.proc)
	if err != nil {
		return ToolResult{}, err
	}

	m.runner.EmitToolEnd(ctx, name, result, m.proc)
	return result, nil
}

func (m *ToolManager) invoke(ctx context.Context, t *Tool, args map[string]any) (result ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("tool panicked", "tool", t.meta.Name, "panic", rec)
			result = ErrorResult("tool %q panicked: %v", t.meta.Name, rec)
		}
	}()
	raw, err := t.handler(ctx, args)
	if err != nil {
		return ErrorResult("tool %q failed: %v", t.meta.Name, err)
	}
	return CoerceResult(raw)
}
