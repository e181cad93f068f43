package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parley-ai/parley"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestProcessUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := parley.ProcessRecord{ID: "p1", Access: "admin", SystemPrompt: "v1", CreatedAt: 100}
	if err := s.SaveProcess(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.SystemPrompt = "v2"
	if err := s.SaveProcess(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msgs := []parley.MessageRecord{
		{ID: "m1", ProcessID: "p1", Role: "user", Content: "hello", CreatedAt: 10},
		{ID: "m2", ProcessID: "p1", Role: "assistant", Content: "hi", CreatedAt: 20},
		{ID: "m3", ProcessID: "p2", Role: "user", Content: "other process", CreatedAt: 15},
	}
	for _, m := range msgs {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatalf("save %s: %v", m.ID, err)
		}
	}

	got, err := s.Messages(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order wrong: %+v", got)
	}
	if got[0].Content != "hello" || got[0].Role != "user" {
		t.Errorf("got %+v", got[0])
	}
}

func TestMessagesLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		rec := parley.MessageRecord{ID: id, ProcessID: "p1", Role: "user", Content: id, CreatedAt: int64(i)}
		if err := s.SaveMessage(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.Messages(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit ignored, got %d", len(got))
	}
}

func TestMessagesUnknownProcess(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Messages(context.Background(), "nope", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestStableOrderForEqualTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		rec := parley.MessageRecord{ID: id, ProcessID: "p1", Role: "user", Content: id, CreatedAt: 42}
		if err := s.SaveMessage(ctx, rec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.Messages(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Errorf("got[%d] = %s, ties should break on id", i, got[i].ID)
		}
	}
}
