package parley

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// --- provider mocks ---

// fakeProvider pops scripted responses in order, or delegates to fn when set.
// Safe for concurrent use so spawned children can share one instance.
type fakeProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	err       error
	fn        func(ChatRequest) (ChatResponse, error)
	calls     int
}

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fn != nil {
		return p.fn(req)
	}
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if len(p.responses) == 0 {
		return ChatResponse{Content: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(s string) ChatResponse {
	return ChatResponse{Content: s, Usage: Usage{InputTokens: 1, OutputTokens: 1}}
}

func toolCallResponse(name string, args string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{ID: "call-1", Name: name, Args: json.RawMessage(args)}}}
}

// lastUserContent digs the newest user message out of a request.
func lastUserContent(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// --- tool mocks ---

func echoTool(name string) *Tool {
	return MustTool(ToolMeta{Name: name, Description: "echoes input", Access: AccessRead}, nil,
		func(_ context.Context, args map[string]any) (any, error) {
			s, _ := args["text"].(string)
			return "echo: " + s, nil
		})
}

// countingTool records invocations so tests can assert the handler never ran.
type countingTool struct {
	mu    sync.Mutex
	count int
}

func (c *countingTool) tool(name string, access AccessLevel) *Tool {
	return MustTool(ToolMeta{Name: name, Description: "counts calls", Access: access}, nil,
		func(_ context.Context, _ map[string]any) (any, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.count++
			return fmt.Sprintf("call %d", c.count), nil
		})
}

func (c *countingTool) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// --- plugin mocks ---

// upperInputPlugin transforms user input and counts how often it ran.
type upperInputPlugin struct {
	calls int
}

func (p *upperInputPlugin) HookUserInput(_ context.Context, input string, _ *Process) (*string, error) {
	p.calls++
	out := strings.ToUpper(input)
	return &out, nil
}

// passInputPlugin declines to transform and counts how often it ran.
type passInputPlugin struct {
	calls int
}

func (p *passInputPlugin) HookUserInput(_ context.Context, _ string, _ *Process) (*string, error) {
	p.calls++
	return nil, nil
}

// failInputPlugin fails the user_input chain.
type failInputPlugin struct{}

func (p *failInputPlugin) HookUserInput(_ context.Context, _ string, _ *Process) (*string, error) {
	return nil, errors.New("input rejected")
}

// promptSuffixPlugin appends a marker to the system prompt.
type promptSuffixPlugin struct {
	suffix string
}

func (p *promptSuffixPlugin) HookSystemPrompt(_ context.Context, prompt string, _ *Process) (*string, error) {
	out := prompt + p.suffix
	return &out, nil
}

// argPatchPlugin merges fixed args into every matching tool call.
type argPatchPlugin struct {
	tool  string
	patch map[string]any
}

func (p *argPatchPlugin) HookToolCall(_ context.Context, name string, _ map[string]any, _ *Process) (*ToolCallDecision, error) {
	if name != p.tool {
		return nil, nil
	}
	return &ToolCallDecision{Args: p.patch}, nil
}

// skipCallPlugin short-circuits a named tool with a canned result.
type skipCallPlugin struct {
	tool   string
	result ToolResult
}

func (p *skipCallPlugin) HookToolCall(_ context.Context, name string, _ map[string]any, _ *Process) (*ToolCallDecision, error) {
	if name != p.tool {
		return nil, nil
	}
	return &ToolCallDecision{SkipExecution: true, SkipResult: p.result}, nil
}

// resultPrefixPlugin rewrites tool results.
type resultPrefixPlugin struct {
	prefix string
}

func (p *resultPrefixPlugin) HookToolResult(_ context.Context, _ string, result ToolResult, _ *Process) (*ToolResult, error) {
	out := result
	out.Content = p.prefix + out.Content
	return &out, nil
}

// stopResponsePlugin stops the run when the response contains a marker.
type stopResponsePlugin struct {
	marker string
	commit bool
}

func (p *stopResponsePlugin) HookResponse(_ context.Context, text string, _ *Process) (*ResponseDecision, error) {
	if !strings.Contains(text, p.marker) {
		return nil, nil
	}
	return &ResponseDecision{Stop: true, CommitCurrent: p.commit}, nil
}

// recordingObserver counts callback deliveries across all channels.
type recordingObserver struct {
	mu         sync.Mutex
	turnStarts int
	turnEnds   int
	toolStarts int
	toolEnds   int
	requests   int
	responses  int
	runEnds    int
	failWith   error
}

func (o *recordingObserver) OnTurnStart(context.Context, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turnStarts++
	return o.failWith
}

func (o *recordingObserver) OnTurnEnd(context.Context, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.turnEnds++
	return o.failWith
}

func (o *recordingObserver) OnToolStart(context.Context, string, map[string]any, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.toolStarts++
	return o.failWith
}

func (o *recordingObserver) OnToolEnd(context.Context, string, ToolResult, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.toolEnds++
	return o.failWith
}

func (o *recordingObserver) OnAPIRequest(context.Context, ChatRequest, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests++
	return o.failWith
}

func (o *recordingObserver) OnAPIResponse(context.Context, ChatResponse, *Process) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses++
	return o.failWith
}

func (o *recordingObserver) OnRunEnd(context.Context, *Process, RunResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runEnds++
	return o.failWith
}

func (o *recordingObserver) snapshot() (turnStarts, toolStarts, toolEnds, runEnds int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnStarts, o.toolStarts, o.toolEnds, o.runEnds
}

// forkCountPlugin counts how many children were forked off its process.
type forkCountPlugin struct {
	mu    sync.Mutex
	forks *int
}

func (p *forkCountPlugin) OnRunEnd(context.Context, *Process, RunResult) error { return nil }

func (p *forkCountPlugin) ForkPlugin() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	*p.forks++
	return &forkCountPlugin{forks: p.forks}
}

// statePlugin carries mutable per-process state with fork support.
type statePlugin struct {
	mu    sync.Mutex
	notes []string
}

func (p *statePlugin) OnRunEnd(context.Context, *Process, RunResult) error { return nil }

func (p *statePlugin) add(note string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, note)
}

func (p *statePlugin) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.notes))
	copy(out, p.notes)
	return out
}

func (p *statePlugin) ForkPlugin() any {
	return &statePlugin{notes: p.all()}
}

// sharedPlugin has no fork support; forks share it by reference.
type sharedPlugin struct {
	runEnds int
}

func (p *sharedPlugin) OnRunEnd(context.Context, *Process, RunResult) error {
	p.runEnds++
	return nil
}

// noCapability implements nothing the runner knows about.
type noCapability struct{}

// --- store mock ---

// memStore is an in-memory TranscriptStore.
type memStore struct {
	mu    sync.Mutex
	procs map[string]ProcessRecord
	msgs  []MessageRecord
}

func newMemStore() *memStore {
	return &memStore{procs: make(map[string]ProcessRecord)}
}

func (s *memStore) Init(context.Context) error { return nil }

func (s *memStore) SaveProcess(_ context.Context, rec ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[rec.ID] = rec
	return nil
}

func (s *memStore) SaveMessage(_ context.Context, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, rec)
	return nil
}

func (s *memStore) Messages(_ context.Context, processID string, limit int) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, m := range s.msgs {
		if m.ProcessID == processID {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) messageCount(processID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.ProcessID == processID {
			n++
		}
	}
	return n
}
