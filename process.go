package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const defaultMaxTurns = 8

// Process is one conversation: transcript, tools, file descriptors, plugins,
// and the privilege tier the whole thing runs at. Processes are not safe for
// concurrent Run calls; forked children are fully independent.
type Process struct {
	id             string
	parentID       string
	access         AccessLevel
	systemPrompt   string
	promptEnriched bool
	messages       []ChatMessage
	provider       Provider
	tools          *ToolManager
	baseTools      []*Tool
	runner         *EventRunner
	fds            *FileDescriptorManager
	maxTurns       int
	logger         *slog.Logger
	tracer         Tracer
}

// RunResult summarizes one Run call.
type RunResult struct {
	Output string
	Usage  Usage
	Turns  int
}

type processConfig struct {
	systemPrompt string
	access       AccessLevel
	maxTurns     int
	fd           FDConfig
	plugins      []any
	tools        []*Tool
	logger       *slog.Logger
	tracer       Tracer
}

// ProcessOption configures NewProcess.
type ProcessOption func(*processConfig)

// WithSystemPrompt sets the base system prompt.
func WithSystemPrompt(prompt string) ProcessOption {
	return func(c *processConfig) { c.systemPrompt = prompt }
}

// WithAccess sets the process privilege tier. Root processes default to
// admin so they can fork.
func WithAccess(level AccessLevel) ProcessOption {
	return func(c *processConfig) { c.access = level }
}

// WithMaxTurns bounds provider round-trips per Run call.
func WithMaxTurns(n int) ProcessOption {
	return func(c *processConfig) { c.maxTurns = n }
}

// WithFDConfig configures the file-descriptor paging layer.
func WithFDConfig(cfg FDConfig) ProcessOption {
	return func(c *processConfig) { c.fd = cfg }
}

// WithPlugins registers plugins in order. Registration panics if a plugin
// implements no capability interface.
func WithPlugins(plugins ...any) ProcessOption {
	return func(c *processConfig) { c.plugins = append(c.plugins, plugins...) }
}

// WithTools registers tools directly, ahead of plugin-provided ones.
func WithTools(tools ...*Tool) ProcessOption {
	return func(c *processConfig) { c.tools = append(c.tools, tools...) }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *slog.Logger) ProcessOption {
	return func(c *processConfig) { c.logger = logger }
}

// WithTracer enables span creation, e.g. with observer.NewTracer().
func WithTracer(tracer Tracer) ProcessOption {
	return func(c *processConfig) { c.tracer = tracer }
}

// NewProcess builds a root process around a provider.
func NewProcess(provider Provider, opts ...ProcessOption) (*Process, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	cfg := processConfig{
		access:   AccessAdmin,
		maxTurns: defaultMaxTurns,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}

	runner := NewEventRunner(cfg.logger)
	for _, plugin := range cfg.plugins {
		runner.Register(plugin)
	}

	p := &Process{
		id:           NewID(),
		access:       cfg.access,
		systemPrompt: cfg.systemPrompt,
		provider:     provider,
		baseTools:    cfg.tools,
		runner:       runner,
		fds:          NewFileDescriptorManager(cfg.fd, cfg.logger),
		maxTurns:     cfg.maxTurns,
		logger:       cfg.logger,
		tracer:       cfg.tracer,
	}
	if err := p.bindTools(); err != nil {
		return nil, err
	}
	return p, nil
}

// bindTools builds the tool manager from direct tools plus plugin-provided
// ones. Called at construction and again for each forked child so tools that
// close over plugin state point at the child's clones.
func (p *Process) bindTools() error {
	p.tools = newToolManager(p, p.runner, p.fds, p.logger, p.tracer)
	for _, t := range p.baseTools {
		if err := p.tools.Register(t); err != nil {
			return err
		}
	}
	for _, t := range p.runner.ProvideTools() {
		if err := p.tools.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) ID() string                  { return p.id }
func (p *Process) ParentID() string            { return p.parentID }
func (p *Process) Access() AccessLevel         { return p.access }
func (p *Process) Tools() *ToolManager         { return p.tools }
func (p *Process) Runner() *EventRunner        { return p.runner }
func (p *Process) FDs() *FileDescriptorManager { return p.fds }
func (p *Process) SystemPrompt() string        { return p.systemPrompt }

// Messages returns a deep copy of the transcript.
func (p *Process) Messages() []ChatMessage {
	return copyMessages(p.messages)
}

// AppendMessage adds a message to the transcript outside the turn loop,
// for hosts that seed or replay conversations.
func (p *Process) AppendMessage(m ChatMessage) {
	p.messages = append(p.messages, m)
}

// Drain waits for in-flight plugin callbacks, up to ctx.
func (p *Process) Drain(ctx context.Context) error {
	return p.runner.Drain(ctx)
}

// Run feeds one user input through the turn loop until the model produces a
// final answer, a response hook stops it, or MaxTurns is reached. Returned
// errors are operator-level (provider failure, hook failure); tool failures
// stay inside the transcript as error results.
func (p *Process) Run(ctx context.Context, input string) (RunResult, error) {
	if p.tracer != nil {
		var span Span
		ctx, span = p.tracer.Start(ctx, "process.run", StringAttr("process_id", p.id))
		defer span.End()
	}

	input, err := p.runner.HookUserInput(ctx, input, p)
	if err != nil {
		return RunResult{}, err
	}
	input = p.fds.HandleUserInput(input)
	p.messages = append(p.messages, UserMessage(input))

	if !p.promptEnriched {
		enriched, err := p.runner.HookSystemPrompt(ctx, p.systemPrompt, p)
		if err != nil {
			return RunResult{}, err
		}
		p.systemPrompt = enriched
		p.promptEnriched = true
	}

	var usage Usage
	for turn := 1; turn <= p.maxTurns; turn++ {
		p.runner.EmitTurnStart(ctx, p)

		req := ChatRequest{Messages: p.requestMessages(), Tools: p.tools.Definitions()}
		p.runner.EmitAPIRequest(ctx, req, p)
		resp, err := p.provider.Chat(ctx, req)
		if err != nil {
			return RunResult{}, fmt.Errorf("provider %s: %w", p.provider.Name(), err)
		}
		usage.add(resp.Usage)
		p.runner.EmitAPIResponse(ctx, resp, p)

		if resp.Content != "" {
			dec, err := p.runner.HookResponse(ctx, resp.Content, p)
			if err != nil {
				return RunResult{}, err
			}
			if dec != nil && dec.Stop {
				output := ""
				if dec.CommitCurrent {
					p.messages = append(p.messages, AssistantMessage(resp.Content))
					output = resp.Content
				}
				p.logger.Info("run stopped by plugin", "process_id", p.id, "turn", turn)
				return p.finishRun(ctx, output, usage, turn), nil
			}
		}

		if len(resp.ToolCalls) == 0 {
			p.messages = append(p.messages, AssistantMessage(resp.Content))
			p.runner.EmitResponse(ctx, resp.Content, p)
			return p.finishRun(ctx, resp.Content, usage, turn), nil
		}

		p.messages = append(p.messages, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			args, derr := decodeArgs(tc.Args)
			var result ToolResult
			if derr != nil {
				result = ErrorResult("malformed arguments for tool %q: %v", tc.Name, derr)
			} else {
				result, err = p.tools.CallTool(ctx, tc.Name, args)
				if err != nil {
					return RunResult{}, err
				}
			}
			p.messages = append(p.messages, ToolResultMessage(tc.ID, result))
		}
		p.runner.EmitTurnEnd(ctx, p)
	}

	return p.forceFinalAnswer(ctx, usage)
}

func (p *Process) requestMessages() []ChatMessage {
	msgs := make([]ChatMessage, 0, len(p.messages)+1)
	if p.systemPrompt != "" {
		msgs = append(msgs, SystemMessage(p.systemPrompt))
	}
	return append(msgs, p.messages...)
}

func (p *Process) finishRun(ctx context.Context, output string, usage Usage, turns int) RunResult {
	p.runner.EmitTurnEnd(ctx, p)
	result := RunResult{Output: output, Usage: usage, Turns: turns}
	p.runner.EmitRunEnd(ctx, p, result)
	return result
}

// forceFinalAnswer runs one last provider call without tools after the turn
// budget is spent, so the model answers with whatever it has.
func (p *Process) forceFinalAnswer(ctx context.Context, usage Usage) (RunResult, error) {
	p.logger.Warn("turn limit reached, forcing final answer", "process_id", p.id, "max_turns", p.maxTurns)
	p.messages = append(p.messages, UserMessage("Tool budget exhausted. Answer now using the information gathered so far."))

	resp, err := p.provider.Chat(ctx, ChatRequest{Messages: p.requestMessages()})
	if err != nil {
		return RunResult{}, fmt.Errorf("provider %s: %w", p.provider.Name(), err)
	}
	usage.add(resp.Usage)
	p.messages = append(p.messages, AssistantMessage(resp.Content))
	p.runner.EmitResponse(ctx, resp.Content, p)
	return p.finishRun(ctx, resp.Content, usage, p.maxTurns), nil
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Fork creates an isolated child at the given tier, which must be below
// admin. Only admin processes may fork, and only once there is history to
// fork from. The child gets a deep-copied transcript, cloned plugins (or
// shared ones with a warning when a plugin has no fork support), a fresh
// descriptor table, and its own callback task group.
func (p *Process) Fork(ctx context.Context, level AccessLevel) (*Process, error) {
	if p.access.CompareTo(AccessAdmin) < 0 {
		return nil, &ErrForkAccess{Level: p.access}
	}
	if len(p.messages) == 0 {
		return nil, &ErrForkNoHistory{ProcessID: p.id}
	}
	if level.CompareTo(AccessAdmin) >= 0 {
		return nil, fmt.Errorf("fork child must be below admin, got %s", level)
	}

	if p.tracer != nil {
		_, span := p.tracer.Start(ctx, "process.fork",
			StringAttr("process_id", p.id), StringAttr("child_access", level.String()))
		defer span.End()
	}

	childLogger := p.logger.With("parent_id", p.id)
	child := &Process{
		id:             NewID(),
		parentID:       p.id,
		access:         level,
		systemPrompt:   p.systemPrompt,
		promptEnriched: p.promptEnriched,
		messages:       copyMessages(p.messages),
		provider:       p.provider,
		baseTools:      p.baseTools,
		runner:         p.runner.Fork(childLogger),
		fds:            p.fds.Fork(),
		maxTurns:       p.maxTurns,
		logger:         childLogger,
		tracer:         p.tracer,
	}
	if err := child.bindTools(); err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	p.logger.Info("process forked", "process_id", p.id, "child_id", child.id, "child_access", level)
	return child, nil
}
