package observer

import (
	"context"

	parley "github.com/parley-ai/parley"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Plugin feeds the OTEL instruments from parley's observational callbacks.
// Register it on a process like any other plugin; it records metrics only
// and never touches the conversation.
type Plugin struct {
	inst *Instruments
}

// NewPlugin creates a metrics plugin around initialized instruments.
func NewPlugin(inst *Instruments) *Plugin {
	return &Plugin{inst: inst}
}

// OnTurnStart implements parley.TurnObserver.
func (p *Plugin) OnTurnStart(ctx context.Context, proc *parley.Process) error {
	p.inst.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process.access", proc.Access().String()),
	))
	return nil
}

// OnTurnEnd implements parley.TurnObserver.
func (p *Plugin) OnTurnEnd(context.Context, *parley.Process) error {
	return nil
}

// OnToolStart implements parley.ToolObserver.
func (p *Plugin) OnToolStart(ctx context.Context, toolName string, _ map[string]any, _ *parley.Process) error {
	p.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", toolName),
	))
	return nil
}

// OnToolEnd implements parley.ToolObserver.
func (p *Plugin) OnToolEnd(ctx context.Context, toolName string, result parley.ToolResult, _ *parley.Process) error {
	if result.IsError {
		p.inst.ToolErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool.name", toolName),
		))
	}
	return nil
}

// OnAPIRequest implements parley.APIObserver.
func (p *Plugin) OnAPIRequest(ctx context.Context, _ parley.ChatRequest, _ *parley.Process) error {
	p.inst.LLMRequests.Add(ctx, 1)
	return nil
}

// OnAPIResponse implements parley.APIObserver.
func (p *Plugin) OnAPIResponse(ctx context.Context, resp parley.ChatResponse, _ *parley.Process) error {
	p.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		attribute.String("token.type", "input"),
	))
	p.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		attribute.String("token.type", "output"),
	))
	return nil
}

// OnRunEnd implements parley.RunObserver.
func (p *Plugin) OnRunEnd(ctx context.Context, proc *parley.Process, result parley.RunResult) error {
	p.inst.Runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process.access", proc.Access().String()),
		attribute.Int("run.turns", result.Turns),
	))
	return nil
}

// ForkPlugin implements parley.PluginForker. Instruments are process-global,
// so children share the same plugin.
func (p *Plugin) ForkPlugin() any { return p }

// compile-time checks
var (
	_ parley.TurnObserver = (*Plugin)(nil)
	_ parley.ToolObserver = (*Plugin)(nil)
	_ parley.APIObserver  = (*Plugin)(nil)
	_ parley.RunObserver  = (*Plugin)(nil)
	_ parley.PluginForker = (*Plugin)(nil)
)
