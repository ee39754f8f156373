// Package compact implements context compaction for session logs.
//
// When the estimated context size exceeds (ContextWindow - ReserveTokens),
// compaction summarises the older portion of the active path with the LLM
// and records a CompactionEntry, keeping the most recent KeepRecentTokens
// of conversation intact. The planner half of the package is pure: it
// decides where to cut and what to summarise without touching the file.
package compact

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/treeline-dev/treeline/pkg/ai"
	"github.com/treeline-dev/treeline/pkg/session"
)

// ErrNothingToCompact is returned when preparation finds no meaningful
// work: the conversation is too short, the last entry is already a
// compaction, or no valid cut exists.
var ErrNothingToCompact = errors.New("compact: nothing to compact")

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config controls when and how compaction runs.
type Config struct {
	// Enabled turns auto-compaction on or off. Default: false.
	Enabled bool

	// ContextWindow is the model's maximum context size in tokens.
	// Required for auto-compaction (compaction triggers when the
	// estimated token count exceeds ContextWindow - ReserveTokens).
	ContextWindow int

	// ReserveTokens is the minimum free-token buffer to maintain.
	// Also bounds summary output size. Default: 16384.
	ReserveTokens int

	// KeepRecentTokens is how many tokens of recent history to preserve
	// verbatim after compaction. Default: 20000.
	KeepRecentTokens int
}

func (c Config) reserveTokens() int {
	if c.ReserveTokens > 0 {
		return c.ReserveTokens
	}
	return 16384
}

func (c Config) keepRecentTokens() int {
	if c.KeepRecentTokens > 0 {
		return c.KeepRecentTokens
	}
	return 20000
}

// ShouldCompact reports whether compaction should be triggered given the
// current estimated token count and the compaction configuration.
func ShouldCompact(contextTokens int, cfg Config) bool {
	if !cfg.Enabled || cfg.ContextWindow <= 0 {
		return false
	}
	return contextTokens > cfg.ContextWindow-cfg.reserveTokens()
}

// ---------------------------------------------------------------------------
// Token estimation
// ---------------------------------------------------------------------------

// ContextUsage carries a snapshot of estimated context token usage.
type ContextUsage struct {
	// Estimated total tokens in the current context window.
	Tokens int
	// Tokens reported by the last assistant message's usage object.
	UsageTokens int
	// Estimated tokens added after the last usage report.
	TrailingTokens int
}

// EstimateMessageTokens estimates the token count of a single message
// using chars/4. This is intentionally conservative (overestimates).
func EstimateMessageTokens(m ai.Message) int {
	chars := 0
	switch msg := m.(type) {
	case ai.UserMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ImageContent:
				chars += 4 * 1200 // ~1200 tokens per image
			}
		}
	case ai.AssistantMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ThinkingContent:
				chars += len(blk.Thinking)
			case ai.ToolCall:
				chars += len(blk.Name)
				if j, err := json.Marshal(blk.Arguments); err == nil {
					chars += len(j)
				}
			}
		}
	case ai.ToolResultMessage:
		for _, b := range msg.Content {
			switch blk := b.(type) {
			case ai.TextContent:
				chars += len(blk.Text)
			case ai.ImageContent:
				chars += 4 * 1200
			}
		}
	case ai.ShellExecutionMessage:
		chars += len(msg.Command) + len(msg.Output)
	}
	if chars == 0 {
		return 0
	}
	t := chars / 4
	if t == 0 {
		t = 1
	}
	return t
}

// EstimateEntryTokens estimates the token count of one log entry.
func EstimateEntryTokens(e session.Entry) int {
	switch v := e.(type) {
	case session.MessageEntry:
		if m, ok := session.ContextMessage(v); ok {
			return EstimateMessageTokens(m)
		}
		// Undecodable message: estimate from the raw payload.
		return estimateChars(len(v.Message))
	case session.CustomMessageEntry:
		return estimateChars(len(v.Content))
	case session.BranchSummaryEntry:
		return estimateChars(len(v.Summary))
	case session.CompactionEntry:
		return estimateChars(len(v.Summary))
	default:
		return 0
	}
}

func estimateChars(chars int) int {
	if chars == 0 {
		return 0
	}
	t := chars / 4
	if t == 0 {
		t = 1
	}
	return t
}

// EstimateContextTokens estimates the total token count of an entry
// region using a two-part strategy:
//
//  1. Find the last assistant message with a non-zero usage report.
//     That gives the exact count up to that point.
//  2. For entries appended after it (tool results, steering, new user
//     message) estimate chars/4 each.
func EstimateContextTokens(entries []session.Entry) ContextUsage {
	lastUsageIdx := -1
	var lastUsage ai.Usage
	for i := len(entries) - 1; i >= 0; i-- {
		me, ok := entries[i].(session.MessageEntry)
		if !ok || me.Role != "assistant" {
			continue
		}
		msg, err := session.UnmarshalMessage(me.Role, me.Message)
		if err != nil {
			continue
		}
		am, ok := msg.(ai.AssistantMessage)
		if !ok {
			continue
		}
		if am.StopReason != ai.StopReasonError && am.StopReason != ai.StopReasonAborted && am.Usage.TotalOrSum() > 0 {
			lastUsageIdx = i
			lastUsage = am.Usage
			break
		}
	}

	if lastUsageIdx == -1 {
		total := 0
		for _, e := range entries {
			total += EstimateEntryTokens(e)
		}
		return ContextUsage{Tokens: total, TrailingTokens: total}
	}

	trailing := 0
	for _, e := range entries[lastUsageIdx+1:] {
		trailing += EstimateEntryTokens(e)
	}
	usageTokens := lastUsage.TotalOrSum()
	return ContextUsage{
		Tokens:         usageTokens + trailing,
		UsageTokens:    usageTokens,
		TrailingTokens: trailing,
	}
}

// ---------------------------------------------------------------------------
// Cut-point detection
// ---------------------------------------------------------------------------

// Cut describes where the active region is split between "summarise" and
// "keep". FirstKeptIndex is -1 when no sensible cut exists.
type Cut struct {
	// FirstKeptIndex is the index (into the active region) of the first
	// entry kept verbatim.
	FirstKeptIndex int

	// TurnStartIndex is the index of the user (or shell) entry that
	// opened the turn containing the cut, when the cut splits a turn.
	// -1 otherwise.
	TurnStartIndex int

	// IsSplitTurn reports whether the cut falls inside a turn rather
	// than on a turn boundary.
	IsSplitTurn bool
}

// isCutCandidate reports whether an entry may carry the cut: a user
// message, an assistant message, or a shell-execution record. Tool
// results are never cut candidates — a tool result must always stay in
// the same region as the tool call that produced it.
func isCutCandidate(e session.Entry) bool {
	me, ok := e.(session.MessageEntry)
	if !ok {
		return false
	}
	switch me.Role {
	case "user", "assistant", "shell":
		return true
	}
	return false
}

// isTurnStart reports whether an entry opens a turn (user-authored).
func isTurnStart(e session.Entry) bool {
	me, ok := e.(session.MessageEntry)
	if !ok {
		return false
	}
	return me.Role == "user" || me.Role == "shell"
}

// FindCutPoint chooses the first kept entry of the active region,
// targeting the most recent keepRecentTokens of conversation.
//
// Rules:
//   - Walk backward from the newest entry accumulating token estimates
//     until the keep budget is reached.
//   - Snap the cut forward to the nearest valid cut candidate (never a
//     tool result, so tool-call/tool-result pairs stay intact).
//   - Expand the cut backward over immediately preceding non-message
//     entries (labels, custom state) so the kept region starts cleanly.
//   - If the cut is not itself a turn start, record the index of the
//     user/shell entry that opened the turn and flag the split.
//
// Returns FirstKeptIndex -1 when compaction cannot sensibly cut
// anywhere (conversation too short).
func FindCutPoint(entries []session.Entry, keepRecentTokens int) Cut {
	none := Cut{FirstKeptIndex: -1, TurnStartIndex: -1}
	if len(entries) < 4 { // need at least 2 exchanges to compact
		return none
	}

	// Walk backward, accumulating token estimates.
	accumulated := 0
	budgetIdx := -1
	for i := len(entries) - 1; i >= 0; i-- {
		accumulated += EstimateEntryTokens(entries[i])
		if accumulated >= keepRecentTokens {
			budgetIdx = i
			break
		}
	}
	if budgetIdx <= 0 {
		// Either the whole region fits in the budget or the budget was
		// only reached at the very first entry; nothing to summarise.
		return none
	}

	// Snap forward to a valid cut candidate.
	cut := -1
	for j := budgetIdx; j < len(entries); j++ {
		if isCutCandidate(entries[j]) {
			cut = j
			break
		}
	}
	if cut <= 0 {
		return none
	}

	// Expand backward over immediately preceding non-message entries.
	for cut > 1 && entries[cut-1].Kind() != session.EntryTypeMessage {
		cut--
	}
	if cut <= 0 {
		return none
	}

	if isTurnStart(entries[cut]) {
		return Cut{FirstKeptIndex: cut, TurnStartIndex: -1}
	}

	// The cut lands mid-turn: find the user/shell entry that opened it.
	for k := cut - 1; k >= 0; k-- {
		if isTurnStart(entries[k]) {
			return Cut{FirstKeptIndex: cut, TurnStartIndex: k, IsSplitTurn: true}
		}
	}
	return Cut{FirstKeptIndex: cut, TurnStartIndex: -1}
}

// ---------------------------------------------------------------------------
// Preparation
// ---------------------------------------------------------------------------

// Plan is the output of Prepare: the partition of the active region and
// everything the executor needs to generate the summary.
type Plan struct {
	// ToSummarize and ToKeep partition the active region; they are
	// disjoint and their union is the whole region.
	ToSummarize []session.Entry
	ToKeep      []session.Entry

	Cut              Cut
	FirstKeptEntryID string

	// TokensBefore is the estimated context size before compaction,
	// anchored on the most recent valid assistant usage report.
	TokensBefore int

	// PrevSummary is the previous compaction's summary, if the active
	// region starts at a compaction boundary.
	PrevSummary string
}

// Prepare computes the compaction plan for the session's active branch.
// It refuses (ErrNothingToCompact) when the most recent entry is already
// a compaction record or no meaningful cut exists, and
// (session.ErrMigrationRequired) when the file predates entry ids.
func Prepare(sess *session.Session, cfg Config) (*Plan, error) {
	if sess.Version() < session.CurrentVersion {
		return nil, fmt.Errorf("compact: session %s is v%d: %w",
			sess.ID(), sess.Version(), session.ErrMigrationRequired)
	}

	path := sess.Path()
	if len(path) == 0 {
		return nil, ErrNothingToCompact
	}
	if path[len(path)-1].Kind() == session.EntryTypeCompaction {
		return nil, ErrNothingToCompact
	}

	// The active region is everything in context since the last
	// compaction boundary: the kept entries before it plus everything
	// after it. Compaction entries themselves never re-enter a region.
	prevSummary := ""
	start := 0
	lastComp := -1
	for i, e := range path {
		if e.Kind() == session.EntryTypeCompaction {
			lastComp = i
		}
	}
	if lastComp >= 0 {
		comp := path[lastComp].(session.CompactionEntry)
		prevSummary = comp.Summary
		start = lastComp + 1
		for i := 0; i < lastComp; i++ {
			if path[i].EntryID() == comp.FirstKeptEntryID {
				start = i
				break
			}
		}
	}
	region := make([]session.Entry, 0, len(path)-start)
	for _, e := range path[start:] {
		if e.Kind() == session.EntryTypeCompaction {
			continue
		}
		region = append(region, e)
	}

	cut := FindCutPoint(region, cfg.keepRecentTokens())
	if cut.FirstKeptIndex <= 0 {
		return nil, ErrNothingToCompact
	}

	usage := EstimateContextTokens(region)
	idx := cut.FirstKeptIndex
	return &Plan{
		ToSummarize:      region[:idx],
		ToKeep:           region[idx:],
		Cut:              cut,
		FirstKeptEntryID: region[idx].EntryID(),
		TokensBefore:     usage.Tokens,
		PrevSummary:      prevSummary,
	}, nil
}
