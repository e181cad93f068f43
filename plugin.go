package parley

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Plugins extend a process by implementing one or more capability interfaces
// below. Behavioral hooks run synchronously in registration order and may
// transform or veto the value flowing through; an error from any hook aborts
// the operation. Observational callbacks run on a background task group and
// can never affect the conversation: their errors and panics are logged and
// swallowed.

// --- Behavioral hooks ---

// UserInputHook transforms user input before it enters the transcript.
// Returning nil passes the input through untouched; the first plugin that
// returns a non-nil string ends the chain.
type UserInputHook interface {
	HookUserInput(ctx context.Context, input string, proc *Process) (*string, error)
}

// SystemPromptHook transforms the system prompt before the first provider
// call. First non-nil return wins.
type SystemPromptHook interface {
	HookSystemPrompt(ctx context.Context, prompt string, proc *Process) (*string, error)
}

// ToolCallDecision is returned by a ToolCallHook to alter a pending call.
// A nil decision means no opinion. Args, when non-nil, is merged over the
// pending arguments and the chain continues. SkipExecution short-circuits
// the pipeline: the handler never runs and SkipResult is returned instead.
type ToolCallDecision struct {
	Args          map[string]any
	SkipExecution bool
	SkipResult    ToolResult
}

// ToolCallHook intercepts a tool call after name resolution and before
// access checks. Later plugins in the chain see earlier modifications.
type ToolCallHook interface {
	HookToolCall(ctx context.Context, name string, args map[string]any, proc *Process) (*ToolCallDecision, error)
}

// ToolResultHook rewrites a tool result before it reaches the transcript.
// Returning nil keeps the current result; a non-nil result replaces it and
// the chain continues, so later plugins see the replacement.
type ToolResultHook interface {
	HookToolResult(ctx context.Context, toolName string, result ToolResult, proc *Process) (*ToolResult, error)
}

// ResponseDecision is returned by a ResponseHook to stop generation early.
type ResponseDecision struct {
	Stop          bool
	CommitCurrent bool // keep the partial response in the transcript when stopping
}

// ResponseHook observes assistant text as it is produced and may stop the
// run. First non-nil decision wins.
type ResponseHook interface {
	HookResponse(ctx context.Context, text string, proc *Process) (*ResponseDecision, error)
}

// ToolProvider contributes tools at registration time.
type ToolProvider interface {
	ProvideTools() []*Tool
}

// PluginForker produces an independent copy of the plugin for a forked
// child process. Stateful plugins must implement this; plugins without it
// are shared by reference across the fork, which is only safe when the
// plugin is stateless.
type PluginForker interface {
	ForkPlugin() any
}

// --- Observational callbacks ---

type TurnObserver interface {
	OnTurnStart(ctx context.Context, proc *Process) error
	OnTurnEnd(ctx context.Context, proc *Process) error
}

type ToolObserver interface {
	OnToolStart(ctx context.Context, toolName string, args map[string]any, proc *Process) error
	OnToolEnd(ctx context.Context, toolName string, result ToolResult, proc *Process) error
}

type APIObserver interface {
	OnAPIRequest(ctx context.Context, req ChatRequest, proc *Process) error
	OnAPIResponse(ctx context.Context, resp ChatResponse, proc *Process) error
}

type ResponseObserver interface {
	OnResponse(ctx context.Context, text string, proc *Process) error
}

type RunObserver interface {
	OnRunEnd(ctx context.Context, proc *Process, result RunResult) error
}

// registeredPlugin caches the capability set of one plugin, resolved once
// at Register time so dispatch is a nil check rather than a type assertion.
type registeredPlugin struct {
	impl any
	name string

	userInput    UserInputHook
	systemPrompt SystemPromptHook
	toolCall     ToolCallHook
	toolResult   ToolResultHook
	response     ResponseHook
	provider     ToolProvider

	turn TurnObserver
	tool ToolObserver
	api  APIObserver
	resp ResponseObserver
	run  RunObserver
}

func (p *registeredPlugin) resolve() bool {
	found := false
	if h, ok := p.impl.(UserInputHook); ok {
		p.userInput, found = h, true
	}
	if h, ok := p.impl.(SystemPromptHook); ok {
		p.systemPrompt, found = h, true
	}
	if h, ok := p.impl.(ToolCallHook); ok {
		p.toolCall, found = h, true
	}
	if h, ok := p.impl.(ToolResultHook); ok {
		p.toolResult, found = h, true
	}
	if h, ok := p.impl.(ResponseHook); ok {
		p.response, found = h, true
	}
	if h, ok := p.impl.(ToolProvider); ok {
		p.provider, found = h, true
	}
	if o, ok := p.impl.(TurnObserver); ok {
		p.turn, found = o, true
	}
	if o, ok := p.impl.(ToolObserver); ok {
		p.tool, found = o, true
	}
	if o, ok := p.impl.(APIObserver); ok {
		p.api, found = o, true
	}
	if o, ok := p.impl.(ResponseObserver); ok {
		p.resp, found = o, true
	}
	if o, ok := p.impl.(RunObserver); ok {
		p.run, found = o, true
	}
	return found
}

// EventRunner dispatches plugin hooks and callbacks for one process.
// Hooks run inline; callbacks are handed to the task group. Each forked
// process gets its own runner via Fork.
type EventRunner struct {
	plugins []*registeredPlugin
	tasks   *taskGroup
	logger  *slog.Logger
}

// NewEventRunner creates an empty runner. A nil logger is replaced with a
// no-op logger.
func NewEventRunner(logger *slog.Logger) *EventRunner {
	if logger == nil {
		logger = nopLogger
	}
	return &EventRunner{
		tasks:  newTaskGroup(logger),
		logger: logger,
	}
}

// Register adds a plugin. Panics if the plugin implements no known
// capability interface, which is always a programming error.
func (r *EventRunner) Register(plugin any) {
	rp := &registeredPlugin{impl: plugin, name: fmt.Sprintf("%T", plugin)}
	if !rp.resolve() {
		panic(fmt.Sprintf("parley: plugin %T implements no capability interface", plugin))
	}
	r.plugins = append(r.plugins, rp)
}

// Plugins returns the registered plugin values in registration order.
func (r *EventRunner) Plugins() []any {
	out := make([]any, len(r.plugins))
	for i, p := range r.plugins {
		out[i] = p.impl
	}
	return out
}

// ProvideTools collects tools contributed by registered plugins, in
// registration order.
func (r *EventRunner) ProvideTools() []*Tool {
	var out []*Tool
	for _, p := range r.plugins {
		if p.provider != nil {
			out = append(out, p.provider.ProvideTools()...)
		}
	}
	return out
}

// Drain blocks until all scheduled callbacks finish or ctx expires.
func (r *EventRunner) Drain(ctx context.Context) error {
	return r.tasks.Drain(ctx)
}

// Fork builds a runner for a child process. Plugins implementing
// PluginForker are cloned; the rest are shared by reference with a warning,
// since shared mutable state crosses the process boundary.
func (r *EventRunner) Fork(logger *slog.Logger) *EventRunner {
	if logger == nil {
		logger = r.logger
	}
	child := NewEventRunner(logger)
	for _, p := range r.plugins {
		if f, ok := p.impl.(PluginForker); ok {
			child.Register(f.ForkPlugin())
			continue
		}
		logger.Warn("plugin has no fork support, sharing by reference", "plugin", p.name)
		child.Register(p.impl)
	}
	return child
}

// --- Hook dispatch ---

// HookUserInput runs the user_input chain. The first plugin returning a
// non-nil string ends the chain and its value replaces the input.
func (r *EventRunner) HookUserInput(ctx context.Context, input string, proc *Process) (string, error) {
	for _, p := range r.plugins {
		if p.userInput == nil {
			continue
		}
		out, err := p.userInput.HookUserInput(ctx, input, proc)
		if err != nil {
			return "", &ErrHookFailed{Plugin: p.name, Event: "user_input", Err: err}
		}
		if out != nil {
			return *out, nil
		}
	}
	return input, nil
}

// HookSystemPrompt runs the system_prompt chain. First non-nil wins.
func (r *EventRunner) HookSystemPrompt(ctx context.Context, prompt string, proc *Process) (string, error) {
	for _, p := range r.plugins {
		if p.systemPrompt == nil {
			continue
		}
		out, err := p.systemPrompt.HookSystemPrompt(ctx, prompt, proc)
		if err != nil {
			return "", &ErrHookFailed{Plugin: p.name, Event: "system_prompt", Err: err}
		}
		if out != nil {
			return *out, nil
		}
	}
	return prompt, nil
}

// HookToolCall runs the tool_call chain. Argument modifications accumulate
// through the chain (later plugins see earlier merges); a SkipExecution
// decision stops the chain and is returned to the caller.
func (r *EventRunner) HookToolCall(ctx context.Context, name string, args map[string]any, proc *Process) (map[string]any, *ToolCallDecision, error) {
	for _, p := range r.plugins {
		if p.toolCall == nil {
			continue
		}
		dec, err := p.toolCall.HookToolCall(ctx, name, args, proc)
		if err != nil {
			return nil, nil, &ErrHookFailed{Plugin: p.name, Event: "tool_call", Err: err}
		}
		if dec == nil {
			continue
		}
		if dec.SkipExecution {
			return args, dec, nil
		}
		if dec.Args != nil {
			args = mergeArgs(args, dec.Args)
		}
	}
	return args, nil, nil
}

// HookToolResult runs the tool_result chain. Each non-nil return replaces
// the current result and the chain continues.
func (r *EventRunner) HookToolResult(ctx context.Context, toolName string, result ToolResult, proc *Process) (ToolResult, error) {
	for _, p := range r.plugins {
		if p.toolResult == nil {
			continue
		}
		out, err := p.toolResult.HookToolResult(ctx, toolName, result, proc)
		if err != nil {
			return result, &ErrHookFailed{Plugin: p.name, Event: "tool_result", Err: err}
		}
		if out != nil {
			result = *out
		}
	}
	return result, nil
}

// HookResponse runs the response chain. First non-nil decision wins.
func (r *EventRunner) HookResponse(ctx context.Context, text string, proc *Process) (*ResponseDecision, error) {
	for _, p := range r.plugins {
		if p.response == nil {
			continue
		}
		dec, err := p.response.HookResponse(ctx, text, proc)
		if err != nil {
			return nil, &ErrHookFailed{Plugin: p.name, Event: "response", Err: err}
		}
		if dec != nil {
			return dec, nil
		}
	}
	return nil, nil
}

// mergeArgs overlays patch onto base without mutating either map.
func mergeArgs(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

// --- Callback dispatch ---

// Callbacks run detached from the caller's cancellation so an aborted turn
// does not lose telemetry mid-write.

func (r *EventRunner) EmitTurnStart(ctx context.Context, proc *Process) {
	for _, p := range r.plugins {
		if p.turn == nil {
			continue
		}
		o := p.turn
		r.schedule(ctx, p.name, "turn_start", func(ctx context.Context) error {
			return o.OnTurnStart(ctx, proc)
		})
	}
}

func (r *EventRunner) EmitTurnEnd(ctx context.Context, proc *Process) {
	for _, p := range r.plugins {
		if p.turn == nil {
			continue
		}
		o := p.turn
		r.schedule(ctx, p.name, "turn_end", func(ctx context.Context) error {
			return o.OnTurnEnd(ctx, proc)
		})
	}
}

func (r *EventRunner) EmitToolStart(ctx context.Context, toolName string, args map[string]any, proc *Process) {
	for _, p := range r.plugins {
		if p.tool == nil {
			continue
		}
		o := p.tool
		r.schedule(ctx, p.name, "tool_start", func(ctx context.Context) error {
			return o.OnToolStart(ctx, toolName, args, proc)
		})
	}
}

func (r *EventRunner) EmitToolEnd(ctx context.Context, toolName string, result ToolResult, proc *Process) {
	for _, p := range r.plugins {
		if p.tool == nil {
			continue
		}
		o := p.tool
		r.schedule(ctx, p.name, "tool_end", func(ctx context.Context) error {
			return o.OnToolEnd(ctx, toolName, result, proc)
		})
	}
}

func (r *EventRunner) EmitAPIRequest(ctx context.Context, req ChatRequest, proc *Process) {
	for _, p := range r.plugins {
		if p.api == nil {
			continue
		}
		o := p.api
		r.schedule(ctx, p.name, "api_request", func(ctx context.Context) error {
			return o.OnAPIRequest(ctx, req, proc)
		})
	}
}

func (r *EventRunner) EmitAPIResponse(ctx context.Context, resp ChatResponse, proc *Process) {
	for _, p := range r.plugins {
		if p.api == nil {
			continue
		}
		o := p.api
		r.schedule(ctx, p.name, "api_response", func(ctx context.Context) error {
			return o.OnAPIResponse(ctx, resp, proc)
		})
	}
}

func (r *EventRunner) EmitResponse(ctx context.Context, text string, proc *Process) {
	for _, p := range r.plugins {
		if p.resp == nil {
			continue
		}
		o := p.resp
		r.schedule(ctx, p.name, "response", func(ctx context.Context) error {
			return o.OnResponse(ctx, text, proc)
		})
	}
}

func (r *EventRunner) EmitRunEnd(ctx context.Context, proc *Process, result RunResult) {
	for _, p := range r.plugins {
		if p.run == nil {
			continue
		}
		o := p.run
		r.schedule(ctx, p.name, "run_end", func(ctx context.Context) error {
			return o.OnRunEnd(ctx, proc, result)
		})
	}
}

func (r *EventRunner) schedule(ctx context.Context, plugin, event string, fn func(context.Context) error) {
	r.tasks.Go(context.WithoutCancel(ctx), plugin+"/"+event, fn)
}

// taskGroup tracks background callback goroutines so shutdown can wait for
// in-flight work. Errors and panics are logged, never propagated.
type taskGroup struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newTaskGroup(logger *slog.Logger) *taskGroup {
	return &taskGroup{logger: logger}
}

func (g *taskGroup) Go(ctx context.Context, name string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("callback panicked", "task", name, "panic", rec)
			}
		}()
		if err := fn(ctx); err != nil {
			g.logger.Warn("callback failed", "task", name, "error", err)
		}
	}()
}

func (g *taskGroup) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
