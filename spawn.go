package parley

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const (
	// DefaultMaxSpawnChildren caps how many children one Spawn call may create.
	DefaultMaxSpawnChildren = 10
	// defaultSpawnParallelism bounds how many children run at once.
	defaultSpawnParallelism = 4
)

// SpawnResult is one child's outcome, in the same position as its prompt.
type SpawnResult struct {
	ID        int    `json:"id"`
	ProcessID string `json:"process_id"`
	Message   string `json:"message"`
	IsError   bool   `json:"is_error,omitempty"`
}

type spawnConfig struct {
	max      int
	parallel int
	access   AccessLevel
}

// SpawnOption configures Spawn.
type SpawnOption func(*spawnConfig)

// WithSpawnLimit overrides the child cap.
func WithSpawnLimit(n int) SpawnOption {
	return func(c *spawnConfig) { c.max = n }
}

// WithSpawnParallelism overrides how many children run concurrently.
func WithSpawnParallelism(n int) SpawnOption {
	return func(c *spawnConfig) { c.parallel = n }
}

// WithSpawnAccess sets the tier children run at. Defaults to write.
func WithSpawnAccess(level AccessLevel) SpawnOption {
	return func(c *spawnConfig) { c.access = level }
}

// Spawn forks one child per prompt off the parent and runs them
// concurrently under a bounded worker pool. Requests over the cap are
// rejected before any child exists. A failing child becomes an error entry
// in the aggregate; siblings are unaffected. Results come back in prompt
// order. Cancelling ctx propagates into every child run.
func Spawn(ctx context.Context, parent *Process, prompts []string, opts ...SpawnOption) ([]SpawnResult, error) {
	cfg := spawnConfig{
		max:      DefaultMaxSpawnChildren,
		parallel: defaultSpawnParallelism,
		access:   AccessWrite,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("spawn requires at least one prompt")
	}
	if len(prompts) > cfg.max {
		return nil, &ErrSpawnLimit{Requested: len(prompts), Max: cfg.max}
	}

	children := make([]*Process, len(prompts))
	for i := range prompts {
		child, err := parent.Fork(ctx, cfg.access)
		if err != nil {
			return nil, err
		}
		children[i] = child
	}

	// Fast path: single child, no goroutine needed.
	if len(prompts) == 1 {
		return []SpawnResult{runChild(ctx, 0, children[0], prompts[0])}, nil
	}

	type workItem struct {
		idx int
	}
	workCh := make(chan workItem, len(prompts))
	for i := range prompts {
		workCh <- workItem{idx: i}
	}
	close(workCh)

	results := make([]SpawnResult, len(prompts))
	numWorkers := min(len(prompts), cfg.parallel)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					results[w.idx] = SpawnResult{
						ID:        w.idx,
						ProcessID: children[w.idx].ID(),
						Message:   "error: " + ctx.Err().Error(),
						IsError:   true,
					}
					continue
				}
				results[w.idx] = runChild(ctx, w.idx, children[w.idx], prompts[w.idx])
			}
		}()
	}
	wg.Wait()
	return results, nil
}

func runChild(ctx context.Context, idx int, child *Process, prompt string) SpawnResult {
	res, err := child.Run(ctx, prompt)
	if err != nil {
		return SpawnResult{ID: idx, ProcessID: child.ID(), Message: "error: " + err.Error(), IsError: true}
	}
	return SpawnResult{ID: idx, ProcessID: child.ID(), Message: res.Output}
}

var forkSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompts": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 1,
			"description": "one prompt per child, each explored in an isolated copy of the conversation"
		}
	},
	"required": ["prompts"]
}`)

// ForkTool exposes Spawn to the model. It requires admin access, so only
// root-tier processes can branch; children receive write access and cannot
// fork again.
func ForkTool(opts ...SpawnOption) *Tool {
	return MustTool(ToolMeta{
		Name:            "fork",
		Description:     "Explore multiple prompts in parallel forked copies of this conversation. Returns one result per prompt, in order.",
		Access:          AccessAdmin,
		RequiresContext: true,
	}, forkSchema, func(ctx context.Context, args map[string]any) (any, error) {
		rt, ok := RuntimeFromContext(ctx)
		if !ok {
			return nil, fmt.Errorf("no runtime context")
		}
		prompts, err := stringSliceArg(args["prompts"])
		if err != nil {
			return nil, fmt.Errorf("prompts: %w", err)
		}
		return Spawn(ctx, rt.Process, prompts, opts...)
	})
}

func stringSliceArg(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, len(vv))
		for i, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an array of strings")
	}
}
