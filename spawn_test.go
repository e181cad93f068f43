package parley

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func spawnParent(t *testing.T, provider Provider, opts ...ProcessOption) *Process {
	t.Helper()
	proc, err := NewProcess(provider, opts...)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}
	proc.AppendMessage(UserMessage("context so far"))
	return proc
}

func TestSpawnRequiresPrompts(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{})
	if _, err := Spawn(context.Background(), parent, nil); err == nil {
		t.Error("expected error for empty prompt list")
	}
}

func TestSpawnRejectsOverLimitBeforeForking(t *testing.T) {
	forks := 0
	parent := spawnParent(t, &fakeProvider{}, WithPlugins(&forkCountPlugin{forks: &forks}))

	prompts := make([]string, DefaultMaxSpawnChildren+1)
	for i := range prompts {
		prompts[i] = fmt.Sprintf("prompt %d", i)
	}
	_, err := Spawn(context.Background(), parent, prompts)
	var limitErr *ErrSpawnLimit
	if !errors.As(err, &limitErr) {
		t.Fatalf("want ErrSpawnLimit, got %v", err)
	}
	if limitErr.Requested != 11 || limitErr.Max != DefaultMaxSpawnChildren {
		t.Errorf("got %+v", limitErr)
	}
	if forks != 0 {
		t.Errorf("no children may be created on a cap violation, forks = %d", forks)
	}
}

func TestSpawnCustomLimit(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{})
	_, err := Spawn(context.Background(), parent, []string{"a", "b", "c"}, WithSpawnLimit(2))
	var limitErr *ErrSpawnLimit
	if !errors.As(err, &limitErr) {
		t.Fatalf("want ErrSpawnLimit, got %v", err)
	}
	if limitErr.Max != 2 {
		t.Errorf("Max = %d", limitErr.Max)
	}
}

func TestSpawnSingleChild(t *testing.T) {
	provider := &fakeProvider{fn: func(req ChatRequest) (ChatResponse, error) {
		return textResponse("answer to " + lastUserContent(req)), nil
	}}
	parent := spawnParent(t, provider)

	results, err := Spawn(context.Background(), parent, []string{"only one"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Message != "answer to only one" {
		t.Errorf("message = %q", results[0].Message)
	}
	if results[0].ProcessID == parent.ID() {
		t.Error("child must run under its own process id")
	}
}

func TestSpawnResultsInPromptOrder(t *testing.T) {
	provider := &fakeProvider{fn: func(req ChatRequest) (ChatResponse, error) {
		return textResponse("re: " + lastUserContent(req)), nil
	}}
	parent := spawnParent(t, provider)

	prompts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	results, err := Spawn(context.Background(), parent, prompts, WithSpawnParallelism(2))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(results) != len(prompts) {
		t.Fatalf("got %d results", len(results))
	}
	seen := map[string]bool{}
	for i, r := range results {
		if r.ID != i {
			t.Errorf("results[%d].ID = %d", i, r.ID)
		}
		if r.Message != "re: "+prompts[i] {
			t.Errorf("results[%d] = %q, want answer for %q", i, r.Message, prompts[i])
		}
		if seen[r.ProcessID] {
			t.Errorf("process id %s reused across children", r.ProcessID)
		}
		seen[r.ProcessID] = true
	}
}

func TestSpawnChildFailureIsolated(t *testing.T) {
	provider := &fakeProvider{fn: func(req ChatRequest) (ChatResponse, error) {
		if strings.Contains(lastUserContent(req), "poison") {
			return ChatResponse{}, errors.New("model refused")
		}
		return textResponse("fine"), nil
	}}
	parent := spawnParent(t, provider)

	results, err := Spawn(context.Background(), parent, []string{"good", "poison", "also good"})
	if err != nil {
		t.Fatalf("a failing child must not fail the batch: %v", err)
	}
	if results[0].IsError || results[2].IsError {
		t.Error("siblings of a failing child should succeed")
	}
	if !results[1].IsError {
		t.Fatal("failing child should be marked as error")
	}
	if !strings.HasPrefix(results[1].Message, "error: ") {
		t.Errorf("message = %q", results[1].Message)
	}
	if !strings.Contains(results[1].Message, "model refused") {
		t.Errorf("message = %q", results[1].Message)
	}
}

func TestSpawnChildrenRunBelowAdmin(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{})

	results, err := Spawn(context.Background(), parent, []string{"check"},
		WithSpawnAccess(AccessRead))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if results[0].IsError {
		t.Fatalf("got %+v", results[0])
	}
	if _, err := Spawn(context.Background(), parent, []string{"x"}, WithSpawnAccess(AccessAdmin)); err == nil {
		t.Error("children must not be spawned at admin tier")
	}
}

func TestSpawnFromNonAdminFails(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{}, WithAccess(AccessWrite))
	_, err := Spawn(context.Background(), parent, []string{"a"})
	var accessErr *ErrForkAccess
	if !errors.As(err, &accessErr) {
		t.Fatalf("want ErrForkAccess, got %v", err)
	}
}

func TestSpawnCancelledContext(t *testing.T) {
	provider := &fakeProvider{fn: func(ChatRequest) (ChatResponse, error) {
		return textResponse("should not matter"), nil
	}}
	parent := spawnParent(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Spawn(ctx, parent, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	for i, r := range results {
		if !r.IsError {
			t.Errorf("results[%d] should be a cancellation error, got %+v", i, r)
		}
	}
}

func TestForkToolEndToEnd(t *testing.T) {
	provider := &fakeProvider{fn: func(req ChatRequest) (ChatResponse, error) {
		return textResponse("branch: " + lastUserContent(req)), nil
	}}
	parent := spawnParent(t, provider)
	if err := parent.Tools().Register(ForkTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := mustCall(t, parent, "fork", map[string]any{"prompts": []any{"one", "two"}})
	if result.IsError {
		t.Fatalf("got %+v", result)
	}
	if !strings.Contains(result.Content, "branch: one") || !strings.Contains(result.Content, "branch: two") {
		t.Errorf("aggregate = %q", result.Content)
	}
}

func TestForkToolRequiresAdmin(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{}, WithAccess(AccessWrite))
	if err := parent.Tools().Register(ForkTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := mustCall(t, parent, "fork", map[string]any{"prompts": []any{"x"}})
	if !result.IsError || !strings.Contains(result.Content, "access denied") {
		t.Errorf("got %+v", result)
	}
}

func TestForkToolRejectsBadPrompts(t *testing.T) {
	parent := spawnParent(t, &fakeProvider{})
	if err := parent.Tools().Register(ForkTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result := mustCall(t, parent, "fork", map[string]any{"prompts": []any{1, 2}})
	if !result.IsError {
		t.Error("non-string prompts should fail")
	}
}

func TestStringSliceArg(t *testing.T) {
	got, err := stringSliceArg([]any{"a", "b"})
	if err != nil || len(got) != 2 || got[1] != "b" {
		t.Errorf("got %v, %v", got, err)
	}
	if _, err := stringSliceArg("not a slice"); err == nil {
		t.Error("expected error for non-slice")
	}
	if _, err := stringSliceArg([]any{"a", 3}); err == nil {
		t.Error("expected error for mixed slice")
	}
}
