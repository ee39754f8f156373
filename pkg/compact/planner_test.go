package compact

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/treeline-dev/treeline/pkg/ai"
	"github.com/treeline-dev/treeline/pkg/session"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func userMsg(text string) ai.UserMessage {
	return ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

func assistantMsg(text string, usage ai.Usage) ai.AssistantMessage {
	return ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Model:      "test-model",
		Provider:   "test",
		StopReason: ai.StopReasonStop,
		Usage:      usage,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func toolResultMsg(text string) ai.ToolResultMessage {
	return ai.ToolResultMessage{
		Role:       ai.RoleToolResult,
		ToolCallID: "c1",
		ToolName:   "bash",
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp:  time.Now().UnixMilli(),
	}
}

// msgEntry builds a standalone MessageEntry for planner-level tests that
// do not need a real session file.
func msgEntry(t *testing.T, id string, m ai.Message) session.MessageEntry {
	t.Helper()
	raw, err := session.MarshalMessage(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return session.MessageEntry{
		EntryBase: session.EntryBase{Type: session.EntryTypeMessage, ID: id},
		Role:      string(m.GetRole()),
		Message:   raw,
	}
}

// text of n characters, i.e. n/4 estimated tokens.
func chars(n int) string { return strings.Repeat("x", n) }

// ---------------------------------------------------------------------------
// Trigger and estimation
// ---------------------------------------------------------------------------

func TestShouldCompact(t *testing.T) {
	cfg := Config{Enabled: true, ContextWindow: 100000, ReserveTokens: 16384}

	if ShouldCompact(50000, cfg) {
		t.Error("half-full context should not trigger")
	}
	if !ShouldCompact(90000, cfg) {
		t.Error("context inside the reserve zone should trigger")
	}
	if ShouldCompact(90000, Config{Enabled: false, ContextWindow: 100000}) {
		t.Error("disabled config should never trigger")
	}
	if ShouldCompact(90000, Config{Enabled: true}) {
		t.Error("missing context window should never trigger")
	}
}

func TestEstimateMessageTokens(t *testing.T) {
	if got := EstimateMessageTokens(userMsg(chars(400))); got != 100 {
		t.Errorf("400 chars = %d tokens, want 100", got)
	}
	img := ai.UserMessage{
		Role:    ai.RoleUser,
		Content: []ai.ContentBlock{ai.ImageContent{Type: "image", Data: "...", MIMEType: "image/png"}},
	}
	if got := EstimateMessageTokens(img); got != 1200 {
		t.Errorf("image = %d tokens, want 1200", got)
	}
	sh := ai.ShellExecutionMessage{Role: ai.RoleShell, Command: chars(40), Output: chars(360)}
	if got := EstimateMessageTokens(sh); got != 100 {
		t.Errorf("shell = %d tokens, want 100", got)
	}
	if got := EstimateMessageTokens(userMsg("")); got != 0 {
		t.Errorf("empty message = %d tokens, want 0", got)
	}
	if got := EstimateMessageTokens(userMsg("hi")); got != 1 {
		t.Errorf("tiny message = %d tokens, want 1 (rounds up)", got)
	}
}

func TestEstimateContextTokensAnchorsOnUsage(t *testing.T) {
	entries := []session.Entry{
		msgEntry(t, "e1", userMsg(chars(4000))),
		msgEntry(t, "e2", assistantMsg("done", ai.Usage{Input: 900, Output: 100, TotalTokens: 1000})),
		msgEntry(t, "e3", toolResultMsg(chars(400))),
	}
	u := EstimateContextTokens(entries)
	// Exact usage (1000) plus estimate for the trailing tool result (100);
	// the big user message is already inside the usage report.
	if u.UsageTokens != 1000 {
		t.Errorf("usage tokens = %d, want 1000", u.UsageTokens)
	}
	if u.TrailingTokens != 100 {
		t.Errorf("trailing tokens = %d, want 100", u.TrailingTokens)
	}
	if u.Tokens != 1100 {
		t.Errorf("total = %d, want 1100", u.Tokens)
	}
}

func TestEstimateContextTokensIgnoresErroredUsage(t *testing.T) {
	bad := assistantMsg("boom", ai.Usage{TotalTokens: 999999})
	bad.StopReason = ai.StopReasonError
	entries := []session.Entry{
		msgEntry(t, "e1", userMsg(chars(400))),
		msgEntry(t, "e2", bad),
	}
	u := EstimateContextTokens(entries)
	if u.UsageTokens != 0 {
		t.Errorf("errored usage report should be ignored, got %d", u.UsageTokens)
	}
	if u.Tokens < 100 {
		t.Errorf("total = %d, want at least the user estimate", u.Tokens)
	}
}

// ---------------------------------------------------------------------------
// Cut-point search
// ---------------------------------------------------------------------------

// Ten turn pairs, 500 estimated tokens per pair (all on the user side),
// keep budget 1200: walking backward crosses the budget inside the third
// pair from the end, so the cut lands on that pair's user message —
// a turn boundary, not a split.
func TestFindCutPointLandsOnTurnBoundary(t *testing.T) {
	var entries []session.Entry
	for i := 0; i < 10; i++ {
		entries = append(entries,
			msgEntry(t, "u", userMsg(chars(2000))), // 500 tokens
			msgEntry(t, "a", assistantMsg("", ai.Usage{})),
		)
	}

	cut := FindCutPoint(entries, 1200)
	if cut.FirstKeptIndex != 14 {
		t.Fatalf("cut at %d, want 14 (3rd-from-last turn start)", cut.FirstKeptIndex)
	}
	if cut.IsSplitTurn {
		t.Error("cut on a user message must not be flagged as split turn")
	}
	if !isTurnStart(entries[cut.FirstKeptIndex]) {
		t.Error("first kept entry should open a turn")
	}
}

func TestFindCutPointNeverSeparatesToolResult(t *testing.T) {
	entries := []session.Entry{
		msgEntry(t, "u1", userMsg(chars(4000))),                // 1000
		msgEntry(t, "a1", assistantMsg("", ai.Usage{})),        // 0
		msgEntry(t, "u2", userMsg(chars(2000))),                // 500
		msgEntry(t, "t1", toolResultMsg(chars(2000))),          // 500
		msgEntry(t, "a2", assistantMsg(chars(2000), ai.Usage{})), // 500
	}

	cut := FindCutPoint(entries, 900)
	// Budget is crossed at the tool result (index 3), but tool results
	// can never start the kept region: the cut snaps forward to the
	// assistant at index 4, keeping the call/result pair together.
	if cut.FirstKeptIndex != 4 {
		t.Fatalf("cut at %d, want 4", cut.FirstKeptIndex)
	}
	if !cut.IsSplitTurn {
		t.Error("cut inside a tool-using turn should be a split turn")
	}
	if cut.TurnStartIndex != 2 {
		t.Errorf("turn start = %d, want 2 (the u2 entry)", cut.TurnStartIndex)
	}
}

func TestFindCutPointTooShort(t *testing.T) {
	entries := []session.Entry{
		msgEntry(t, "u1", userMsg(chars(8000))),
		msgEntry(t, "a1", assistantMsg(chars(8000), ai.Usage{})),
	}
	if cut := FindCutPoint(entries, 100); cut.FirstKeptIndex != -1 {
		t.Errorf("short conversation should yield no cut, got %d", cut.FirstKeptIndex)
	}
}

func TestFindCutPointEverythingFits(t *testing.T) {
	var entries []session.Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, msgEntry(t, "u", userMsg(chars(40))))
	}
	if cut := FindCutPoint(entries, 20000); cut.FirstKeptIndex != -1 {
		t.Errorf("conversation inside the keep budget should yield no cut, got %d", cut.FirstKeptIndex)
	}
}

// ---------------------------------------------------------------------------
// Prepare
// ---------------------------------------------------------------------------

func buildSession(t *testing.T, pairs int, userChars int) *session.Session {
	t.Helper()
	sess, err := session.Create(t.TempDir(), "/w")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	for i := 0; i < pairs; i++ {
		if _, err := sess.AppendMessage(userMsg(chars(userChars))); err != nil {
			t.Fatalf("append user: %v", err)
		}
		if _, err := sess.AppendMessage(assistantMsg("", ai.Usage{})); err != nil {
			t.Fatalf("append assistant: %v", err)
		}
	}
	return sess
}

func TestPreparePartitionsRegion(t *testing.T) {
	sess := buildSession(t, 8, 200) // 50 tokens per user message

	plan, err := Prepare(sess, Config{KeepRecentTokens: 50})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	total := len(plan.ToSummarize) + len(plan.ToKeep)
	if total != 16 {
		t.Fatalf("partition covers %d entries, want 16", total)
	}
	if len(plan.ToSummarize) == 0 || len(plan.ToKeep) == 0 {
		t.Fatal("both halves of the partition must be non-empty")
	}
	if plan.FirstKeptEntryID != plan.ToKeep[0].EntryID() {
		t.Errorf("FirstKeptEntryID = %q, want first kept entry %q",
			plan.FirstKeptEntryID, plan.ToKeep[0].EntryID())
	}
	seen := map[string]bool{}
	for _, e := range plan.ToSummarize {
		seen[e.EntryID()] = true
	}
	for _, e := range plan.ToKeep {
		if seen[e.EntryID()] {
			t.Fatalf("entry %s appears in both halves", e.EntryID())
		}
	}
	if plan.TokensBefore <= 0 {
		t.Errorf("TokensBefore = %d, want positive", plan.TokensBefore)
	}
	if plan.PrevSummary != "" {
		t.Errorf("no prior compaction, PrevSummary = %q", plan.PrevSummary)
	}
}

func TestPrepareNothingToCompact(t *testing.T) {
	// Too short.
	sess := buildSession(t, 1, 200)
	if _, err := Prepare(sess, Config{KeepRecentTokens: 50}); !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("short session: err = %v, want ErrNothingToCompact", err)
	}

	// Last entry is already a compaction.
	sess2 := buildSession(t, 8, 200)
	plan, err := Prepare(sess2, Config{KeepRecentTokens: 50})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := sess2.AppendCompaction(session.CompactionRecord{
		Summary: "s", FirstKeptEntryID: plan.FirstKeptEntryID, TokensBefore: plan.TokensBefore,
	}); err != nil {
		t.Fatalf("AppendCompaction: %v", err)
	}
	if _, err := Prepare(sess2, Config{KeepRecentTokens: 50}); !errors.Is(err, ErrNothingToCompact) {
		t.Errorf("back-to-back compaction: err = %v, want ErrNothingToCompact", err)
	}
}

func TestPrepareChainsPreviousSummary(t *testing.T) {
	sess := buildSession(t, 8, 200)

	plan, err := Prepare(sess, Config{KeepRecentTokens: 50})
	if err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	if _, err := sess.AppendCompaction(session.CompactionRecord{
		Summary: "first checkpoint", FirstKeptEntryID: plan.FirstKeptEntryID, TokensBefore: plan.TokensBefore,
	}); err != nil {
		t.Fatalf("AppendCompaction: %v", err)
	}

	// Grow the conversation past the keep budget again.
	for i := 0; i < 8; i++ {
		sess.AppendMessage(userMsg(chars(200)))
		sess.AppendMessage(assistantMsg("", ai.Usage{}))
	}

	plan2, err := Prepare(sess, Config{KeepRecentTokens: 50})
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if plan2.PrevSummary != "first checkpoint" {
		t.Errorf("PrevSummary = %q, want the prior summary", plan2.PrevSummary)
	}
	for _, e := range append(append([]session.Entry{}, plan2.ToSummarize...), plan2.ToKeep...) {
		if e.Kind() == session.EntryTypeCompaction {
			t.Error("compaction entries must not re-enter the active region")
		}
	}
}
