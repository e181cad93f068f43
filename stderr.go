package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

var writeStderrSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"message": {"type": "string", "description": "diagnostic line to append to the process stderr log"}
	},
	"required": ["message"]
}`)

// StderrPlugin keeps a per-process diagnostic log the model writes to with
// the write_stderr tool. The log is process-local state: forked children
// start with a copy of the parent's lines and diverge from there.
type StderrPlugin struct {
	mu    sync.Mutex
	lines []string
}

// NewStderrPlugin creates an empty stderr log plugin.
func NewStderrPlugin() *StderrPlugin {
	return &StderrPlugin{}
}

// Append adds a line to the log.
func (p *StderrPlugin) Append(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
}

// Lines returns a copy of the logged lines.
func (p *StderrPlugin) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// Dump renders the log as one string, newest line last.
func (p *StderrPlugin) Dump() string {
	return strings.Join(p.Lines(), "\n")
}

// ProvideTools implements ToolProvider. The handler closes over this
// instance, so each fork's tool writes to that fork's log.
func (p *StderrPlugin) ProvideTools() []*Tool {
	return []*Tool{MustTool(ToolMeta{
		Name:        "write_stderr",
		Description: "Append a diagnostic message to the process stderr log. The log is not shown to the user.",
		Access:      AccessWrite,
	}, writeStderrSchema, func(_ context.Context, args map[string]any) (any, error) {
		msg, ok := args["message"].(string)
		if !ok {
			return nil, fmt.Errorf("message must be a string")
		}
		p.Append(msg)
		return fmt.Sprintf("logged (%d lines)", len(p.Lines())), nil
	})}
}

// ForkPlugin implements PluginForker: the child gets an independent copy of
// the current lines.
func (p *StderrPlugin) ForkPlugin() any {
	return &StderrPlugin{lines: p.Lines()}
}

// compile-time checks
var (
	_ ToolProvider = (*StderrPlugin)(nil)
	_ PluginForker = (*StderrPlugin)(nil)
)
