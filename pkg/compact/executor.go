// Package compact — compaction executor.
//
// The executor turns a Plan into a finalized compaction result. It owns
// the summarization calls and the hook handshake but never writes to the
// session file itself: the caller appends the CompactionEntry, which
// keeps the append path single and makes a failed or cancelled attempt
// leave the log byte-identical.
//
// One attempt moves Idle → Preparing → (Cancelled | Summarizing) →
// Appending → Done; preparation finding nothing short-circuits back to
// Idle, and a failed LLM call surfaces to the caller with nothing
// appended.
package compact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treeline-dev/treeline/pkg/ai"
	"github.com/treeline-dev/treeline/pkg/creds"
	"github.com/treeline-dev/treeline/pkg/hooks"
	"github.com/treeline-dev/treeline/pkg/session"
)

// ErrCancelled is returned when a before_compact hook cancels the
// attempt. Nothing is appended.
var ErrCancelled = errors.New("compact: cancelled")

// Result is a finalized compaction, ready to persist.
type Result struct {
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	Details          json.RawMessage

	// FromHook reports that a hook supplied the result and default
	// summarization was skipped.
	FromHook bool
}

// Executor orchestrates compaction attempts against one model.
type Executor struct {
	Provider ai.Provider
	Model    string

	// Credentials resolves the API key lazily per attempt, so expiring
	// tokens are re-resolved rather than cached. Optional.
	Credentials creds.Resolver

	// Hooks receives before_compact / compact events. Optional.
	Hooks *hooks.Runner

	// Logger defaults to discard.
	Logger *slog.Logger

	Config Config
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Compact runs one full compaction attempt on the session's active
// branch: prepare, summarize (or accept a hook override), append the
// CompactionEntry, and fire the observability notification. On any
// failure or cancellation the session is left exactly as it was.
func (e *Executor) Compact(ctx context.Context, sess *session.Session, customFocus string) (*Result, error) {
	res, err := e.Run(ctx, sess, customFocus)
	if err != nil {
		return nil, err
	}

	entryID, err := sess.AppendCompaction(session.CompactionRecord{
		Summary:          res.Summary,
		FirstKeptEntryID: res.FirstKeptEntryID,
		TokensBefore:     res.TokensBefore,
		Details:          res.Details,
	})
	if err != nil {
		return nil, fmt.Errorf("compact: append: %w", err)
	}

	e.notify(ctx, sess, entryID, res)
	return res, nil
}

// Run produces a Result without appending anything. Callers that need
// custom persistence use this directly; most use Compact.
func (e *Executor) Run(ctx context.Context, sess *session.Session, customFocus string) (*Result, error) {
	plan, err := Prepare(sess, e.Config)
	if err != nil {
		return nil, err
	}

	// Hooks may take over before summarization runs: cancel the attempt,
	// or supply the result wholesale.
	if resp := e.emitBeforeCompact(ctx, sess, plan); resp != nil {
		if resp.Cancel {
			return nil, ErrCancelled
		}
		if o := resp.Compaction; o != nil {
			return &Result{
				Summary:          o.Summary,
				FirstKeptEntryID: o.FirstKeptEntryID,
				TokensBefore:     o.TokensBefore,
				Details:          o.Details,
				FromHook:         true,
			}, nil
		}
	}

	apiKey := ""
	if e.Credentials != nil {
		apiKey, err = e.Credentials(ctx, e.Model)
		if err != nil {
			return nil, fmt.Errorf("compact: resolve credentials for %s: %w", e.Model, err)
		}
	}

	summary, err := e.summarize(ctx, plan, customFocus, apiKey)
	if err != nil {
		return nil, err
	}

	return &Result{
		Summary:          summary,
		FirstKeptEntryID: plan.FirstKeptEntryID,
		TokensBefore:     plan.TokensBefore,
	}, nil
}

// summarize generates the summary text for a plan. A split turn yields
// two concurrent generations — a comprehensive checkpoint for the
// history and a narrow one for the opened turn's prefix — concatenated
// under a delimited heading.
func (e *Executor) summarize(ctx context.Context, plan *Plan, customFocus, apiKey string) (string, error) {
	reserve := e.Config.reserveTokens()

	if !plan.Cut.IsSplitTurn {
		return e.generate(ctx, generation{
			messages:    entriesToMessages(plan.ToSummarize),
			prevSummary: plan.PrevSummary,
			customFocus: customFocus,
			maxTokens:   reserve * 80 / 100,
			apiKey:      apiKey,
		})
	}

	history := plan.ToSummarize[:plan.Cut.TurnStartIndex]
	turnPrefix := plan.ToSummarize[plan.Cut.TurnStartIndex:]

	var historySummary, prefixSummary string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := e.generate(gctx, generation{
			messages:    entriesToMessages(history),
			prevSummary: plan.PrevSummary,
			customFocus: customFocus,
			maxTokens:   reserve * 80 / 100,
			apiKey:      apiKey,
		})
		historySummary = s
		return err
	})
	g.Go(func() error {
		s, err := e.generate(gctx, generation{
			messages:   entriesToMessages(turnPrefix),
			turnPrefix: true,
			maxTokens:  reserve * 50 / 100,
			apiKey:     apiKey,
		})
		prefixSummary = s
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}
	return historySummary + splitTurnHeading + prefixSummary, nil
}

type generation struct {
	messages    []ai.Message
	prevSummary string
	customFocus string
	turnPrefix  bool
	maxTokens   int
	apiKey      string
}

// generate runs one summarization call. A previous summary is chained
// forward as a synthetic leading message in the conversation body, so
// repeated compactions never lose the oldest context.
func (e *Executor) generate(ctx context.Context, gen generation) (string, error) {
	msgs := gen.messages
	if gen.prevSummary != "" {
		lead := ai.UserMessage{
			Role: ai.RoleUser,
			Content: []ai.ContentBlock{ai.TextContent{
				Type: "text",
				Text: fmt.Sprintf("<previous-summary>\n%s\n</previous-summary>", gen.prevSummary),
			}},
			Timestamp: time.Now().UnixMilli(),
		}
		msgs = append([]ai.Message{lead}, msgs...)
	}
	conversationText := serializeConversation(msgs)

	var instructions string
	switch {
	case gen.turnPrefix:
		instructions = turnPrefixPrompt
	case gen.prevSummary != "":
		instructions = updateSummarisationPrompt
	default:
		instructions = summarisationPrompt
	}
	if gen.customFocus != "" {
		instructions += "\n\nAdditional focus requested by the caller:\n" + gen.customFocus
	}

	promptText := fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s", conversationText, instructions)

	req := ai.Request{
		SystemPrompt: summarisationSystemPrompt,
		Messages: []ai.Message{
			ai.UserMessage{
				Role:      ai.RoleUser,
				Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: promptText}},
				Timestamp: time.Now().UnixMilli(),
			},
		},
		MaxTokens: gen.maxTokens,
		APIKey:    gen.apiKey,
	}

	result, err := e.Provider.Complete(ctx, e.Model, req)
	if err != nil {
		return "", fmt.Errorf("compact: summarisation failed: %w", err)
	}
	if result.StopReason == ai.StopReasonError {
		return "", fmt.Errorf("compact: summarisation error: %s", result.ErrorMessage)
	}
	text := ai.Text(result)
	if text == "" {
		return "", fmt.Errorf("compact: summarisation returned no text")
	}
	return text, nil
}

// BranchSummary summarises the entries that will be abandoned when the
// caller branches away, for use with Session.BranchWithSummary.
func (e *Executor) BranchSummary(ctx context.Context, abandoned []session.Entry) (string, error) {
	msgs := entriesToMessages(abandoned)
	if len(msgs) == 0 {
		return "", nil
	}

	apiKey := ""
	if e.Credentials != nil {
		key, err := e.Credentials(ctx, e.Model)
		if err != nil {
			return "", fmt.Errorf("compact: resolve credentials for %s: %w", e.Model, err)
		}
		apiKey = key
	}

	prompt := fmt.Sprintf(
		"<discarded-branch>\n%s\n</discarded-branch>\n\n"+
			"The conversation above is a branch that is being abandoned. "+
			"Write a one-paragraph summary (max 200 words) of what was tried in that branch, "+
			"what worked, what didn't, and why it might have been abandoned. "+
			"This will be shown as context on the new branch.",
		serializeConversation(msgs),
	)

	req := ai.Request{
		SystemPrompt: "You summarise discarded conversation branches concisely.",
		Messages: []ai.Message{
			ai.UserMessage{
				Role:      ai.RoleUser,
				Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: prompt}},
				Timestamp: time.Now().UnixMilli(),
			},
		},
		MaxTokens: 512,
		APIKey:    apiKey,
	}

	result, err := e.Provider.Complete(ctx, e.Model, req)
	if err != nil {
		return "", fmt.Errorf("compact: branch summary: %w", err)
	}
	if result.StopReason == ai.StopReasonError {
		return "", fmt.Errorf("compact: branch summary error: %s", result.ErrorMessage)
	}
	return ai.Text(result), nil
}

// ---------------------------------------------------------------------------
// Hook events
// ---------------------------------------------------------------------------

type beforeCompactPayload struct {
	FirstKeptEntryID string `json:"first_kept_entry_id"`
	TokensBefore     int    `json:"tokens_before"`
	IsSplitTurn      bool   `json:"is_split_turn"`
	EntriesToSum     int    `json:"entries_to_summarize"`
	EntriesToKeep    int    `json:"entries_to_keep"`
}

type compactPayload struct {
	EntryID          string `json:"entry_id"`
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"first_kept_entry_id"`
	TokensBefore     int    `json:"tokens_before"`
	FromHook         bool   `json:"from_hook"`
}

func (e *Executor) emitBeforeCompact(ctx context.Context, sess *session.Session, plan *Plan) *hooks.Response {
	if e.Hooks == nil {
		return nil
	}
	payload, err := json.Marshal(beforeCompactPayload{
		FirstKeptEntryID: plan.FirstKeptEntryID,
		TokensBefore:     plan.TokensBefore,
		IsSplitTurn:      plan.Cut.IsSplitTurn,
		EntriesToSum:     len(plan.ToSummarize),
		EntriesToKeep:    len(plan.ToKeep),
	})
	if err != nil {
		e.logger().Warn("failed to encode before_compact payload", "err", err)
		return nil
	}
	return e.Hooks.Emit(ctx, hooks.Event{
		Type:      hooks.EventBeforeCompact,
		SessionID: sess.ID(),
		Payload:   payload,
	})
}

// notify fires the post-append observability event. Failures are
// swallowed; the append is already durable and is never rolled back.
func (e *Executor) notify(ctx context.Context, sess *session.Session, entryID string, res *Result) {
	if e.Hooks == nil {
		return
	}
	payload, err := json.Marshal(compactPayload{
		EntryID:          entryID,
		Summary:          res.Summary,
		FirstKeptEntryID: res.FirstKeptEntryID,
		TokensBefore:     res.TokensBefore,
		FromHook:         res.FromHook,
	})
	if err != nil {
		e.logger().Warn("failed to encode compact payload", "err", err)
		return
	}
	e.Hooks.Emit(ctx, hooks.Event{
		Type:      hooks.EventCompact,
		SessionID: sess.ID(),
		Payload:   payload,
	})
}

// ---------------------------------------------------------------------------
// Conversation serialisation
// ---------------------------------------------------------------------------

// entriesToMessages converts log entries into the message view the
// summarizer reads. Entries with no model context (labels, hook state)
// drop out here.
func entriesToMessages(entries []session.Entry) []ai.Message {
	var msgs []ai.Message
	for _, e := range entries {
		if m, ok := session.ContextMessage(e); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// serializeConversation converts a message slice to a human-readable
// text block for feeding to the summarisation LLM.
func serializeConversation(msgs []ai.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.UserMessage:
			sb.WriteString("[USER]\n")
			for _, b := range msg.Content {
				if tc, ok := b.(ai.TextContent); ok {
					sb.WriteString(tc.Text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		case ai.AssistantMessage:
			sb.WriteString("[ASSISTANT]\n")
			for _, b := range msg.Content {
				switch bc := b.(type) {
				case ai.TextContent:
					sb.WriteString(bc.Text)
					sb.WriteByte('\n')
				case ai.ThinkingContent:
					sb.WriteString("<thinking>\n")
					sb.WriteString(bc.Thinking)
					sb.WriteString("\n</thinking>\n")
				case ai.ToolCall:
					fmt.Fprintf(&sb, "[TOOL CALL: %s]\n", bc.Name)
				}
			}
			sb.WriteByte('\n')
		case ai.ToolResultMessage:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", msg.ToolName)
			for _, b := range msg.Content {
				if tc, ok := b.(ai.TextContent); ok {
					// Truncate very long tool outputs in the summary input.
					text := tc.Text
					if len(text) > 2000 {
						text = text[:1997] + "..."
					}
					sb.WriteString(text)
					sb.WriteByte('\n')
				}
			}
			sb.WriteByte('\n')
		case ai.ShellExecutionMessage:
			fmt.Fprintf(&sb, "[SHELL] $ %s\n", msg.Command)
			output := msg.Output
			if len(output) > 2000 {
				output = output[:1997] + "..."
			}
			sb.WriteString(output)
			sb.WriteByte('\n')
			switch {
			case msg.Cancelled:
				sb.WriteString("(cancelled)\n")
			case msg.TimedOut:
				sb.WriteString("(timed out)\n")
			case msg.ExitCode != nil:
				fmt.Fprintf(&sb, "(exit %d)\n", *msg.ExitCode)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
