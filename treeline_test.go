package treeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/treeline-dev/treeline/pkg/ai"
	"github.com/treeline-dev/treeline/pkg/config"
	"github.com/treeline-dev/treeline/pkg/session"
)

type stubProvider struct{ calls int }

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(_ context.Context, _ string, _ ai.Request) (*ai.AssistantMessage, error) {
	p.calls++
	return &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: "checkpoint"}},
		StopReason: ai.StopReasonStop,
	}, nil
}

func testConfig(t *testing.T) *config.File {
	return &config.File{
		SessionsDir: t.TempDir(),
		Model:       "test-model",
		APIKey:      "sk-test",
		Compaction: config.CompactionConfig{
			Enabled:          true,
			ContextWindow:    1000,
			ReserveTokens:    100,
			KeepRecentTokens: 50,
		},
	}
}

func TestEngineSessionLifecycle(t *testing.T) {
	eng, err := New(&stubProvider{}, testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	sess, err := eng.NewSession(ctx, "/work")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.AppendMessage(ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: "hello"}},
		Timestamp: time.Now().UnixMilli(),
	})
	id := sess.ID()
	sess.Close()

	resumed, err := eng.ResumeSession(ctx, id[:8])
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	defer resumed.Close()
	if resumed.ID() != id {
		t.Errorf("resumed id = %q, want %q", resumed.ID(), id)
	}
	if resumed.EntryCount() != 1 {
		t.Errorf("entry count = %d, want 1", resumed.EntryCount())
	}
}

func TestEngineMaybeCompact(t *testing.T) {
	provider := &stubProvider{}
	eng, err := New(provider, testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	sess, err := eng.NewSession(ctx, "/work")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	// Small conversation: below the window, nothing happens.
	big := strings.Repeat("x", 400) // ~100 tokens
	sess.AppendMessage(ai.UserMessage{Role: ai.RoleUser,
		Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: "hi"}}})
	res, err := eng.MaybeCompact(ctx, sess)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if res != nil || provider.calls != 0 {
		t.Fatal("small context must not compact")
	}

	// Push the estimate past ContextWindow - ReserveTokens (900 tokens).
	for i := 0; i < 12; i++ {
		sess.AppendMessage(ai.UserMessage{Role: ai.RoleUser,
			Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: big}}})
		sess.AppendMessage(ai.AssistantMessage{Role: ai.RoleAssistant,
			Content: []ai.ContentBlock{ai.TextContent{Type: "text", Text: ""}}, StopReason: ai.StopReasonStop})
	}
	res, err = eng.MaybeCompact(ctx, sess)
	if err != nil {
		t.Fatalf("MaybeCompact: %v", err)
	}
	if res == nil {
		t.Fatal("overflowing context must compact")
	}
	if res.Summary != "checkpoint" {
		t.Errorf("summary = %q", res.Summary)
	}

	// The compaction entry is on the path now.
	var found bool
	for _, e := range sess.Path() {
		if e.Kind() == session.EntryTypeCompaction {
			found = true
		}
	}
	if !found {
		t.Error("no compaction entry on the active path")
	}
}
