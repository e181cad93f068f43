package parley

import (
	"context"
	"log/slog"
	"sync"
)

// ProcessRecord is one persisted process.
type ProcessRecord struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id,omitempty"`
	Access       string `json:"access"`
	SystemPrompt string `json:"system_prompt"`
	CreatedAt    int64  `json:"created_at"`
}

// MessageRecord is one persisted transcript message.
type MessageRecord struct {
	ID        string `json:"id"`
	ProcessID string `json:"process_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// TranscriptStore persists processes and their transcripts. Implementations
// live in store/sqlite and store/postgres.
type TranscriptStore interface {
	// Init creates the schema if needed.
	Init(ctx context.Context) error
	// SaveProcess upserts a process record.
	SaveProcess(ctx context.Context, rec ProcessRecord) error
	// SaveMessage appends a message record.
	SaveMessage(ctx context.Context, rec MessageRecord) error
	// Messages returns up to limit messages of a process, oldest first.
	// limit <= 0 means no limit.
	Messages(ctx context.Context, processID string, limit int) ([]MessageRecord, error)
	// Close releases the underlying connection.
	Close() error
}

// TranscriptPlugin persists a process transcript through the observational
// callback channel, so storage latency never blocks the turn loop. Each run
// end writes the messages added since the previous one. Forked children get
// their own cursor against the shared store, and the child process row is
// saved on first use.
type TranscriptPlugin struct {
	store  TranscriptStore
	logger *slog.Logger

	mu        sync.Mutex
	saved     int
	procSaved bool
}

// NewTranscriptPlugin wraps a store. A nil logger is replaced with a no-op
// logger.
func NewTranscriptPlugin(store TranscriptStore, logger *slog.Logger) *TranscriptPlugin {
	if logger == nil {
		logger = nopLogger
	}
	return &TranscriptPlugin{store: store, logger: logger}
}

// OnRunEnd implements RunObserver.
func (p *TranscriptPlugin) OnRunEnd(ctx context.Context, proc *Process, _ RunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.procSaved {
		rec := ProcessRecord{
			ID:           proc.ID(),
			ParentID:     proc.ParentID(),
			Access:       proc.Access().String(),
			SystemPrompt: proc.SystemPrompt(),
			CreatedAt:    NowUnix(),
		}
		if err := p.store.SaveProcess(ctx, rec); err != nil {
			return err
		}
		p.procSaved = true
	}

	msgs := proc.Messages()
	for ; p.saved < len(msgs); p.saved++ {
		m := msgs[p.saved]
		rec := MessageRecord{
			ID:        NewID(),
			ProcessID: proc.ID(),
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: NowUnix(),
		}
		if err := p.store.SaveMessage(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// ForkPlugin implements PluginForker. The store is shared; the cursor is
// not, so the child persists its full transcript (including the inherited
// prefix) under its own process id.
func (p *TranscriptPlugin) ForkPlugin() any {
	return NewTranscriptPlugin(p.store, p.logger)
}

// compile-time checks
var (
	_ RunObserver  = (*TranscriptPlugin)(nil)
	_ PluginForker = (*TranscriptPlugin)(nil)
)
