// Package hooks dispatches lifecycle events to external extensions.
//
// Integration is message-passing, not inheritance: the core emits a
// structured event and accepts at most one structured response. A hook
// can only influence behaviour through that response — a handler that
// errors or panics is logged and treated as having stayed silent, so a
// misbehaving hook can never block the session.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventType identifies a hook lifecycle event.
type EventType string

const (
	// EventBeforeCompact fires before summarization runs. A handler may
	// cancel the compaction or supply a replacement result.
	EventBeforeCompact EventType = "before_compact"

	// EventCompact fires after a compaction entry was durably appended.
	// Observability only; responses are ignored.
	EventCompact EventType = "compact"

	// EventSessionStart fires when a session is created or resumed.
	EventSessionStart EventType = "session_start"
)

// compactionEvents are exempt from the dispatch timeout: interactive
// hooks may prompt a human operator before answering.
func (t EventType) timeoutExempt() bool {
	return t == EventBeforeCompact || t == EventCompact
}

// Event is one notification delivered to handlers.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CompactionOverride is a hook-supplied replacement for the default
// summarization result.
type CompactionOverride struct {
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"first_kept_entry_id"`
	TokensBefore     int             `json:"tokens_before"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// Response is a handler's structured answer to an event. A nil *Response
// means "no opinion, proceed with default behaviour".
type Response struct {
	Cancel     bool                `json:"cancel,omitempty"`
	Compaction *CompactionOverride `json:"compaction,omitempty"`
}

// Handler receives events. Returning (nil, nil) means no response.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev Event) (*Response, error)
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(ctx context.Context, ev Event) (*Response, error) {
	return h.Fn(ctx, ev)
}

// DefaultTimeout bounds a single handler invocation for events that are
// not compaction-related.
const DefaultTimeout = 10 * time.Second

// Runner fans an event out to its handlers in registration order and
// returns the first non-nil response (at-most-one-response broadcast).
type Runner struct {
	handlers []Handler
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRunner builds a runner. A zero timeout means DefaultTimeout.
func NewRunner(handlers []Handler, timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{handlers: handlers, timeout: timeout, logger: logger}
}

// Emit delivers ev to every handler until one responds. Handler errors,
// panics, and timeouts are logged and skipped; they never propagate.
// Compaction events run without the dispatch timeout.
func (r *Runner) Emit(ctx context.Context, ev Event) *Response {
	if r == nil {
		return nil
	}
	for _, h := range r.handlers {
		resp, err := r.invoke(ctx, h, ev)
		if err != nil {
			r.logger.Warn("hook failed, proceeding with default behaviour",
				"hook", h.Name(), "event", ev.Type, "err", err)
			continue
		}
		if resp != nil {
			return resp
		}
	}
	return nil
}

func (r *Runner) invoke(ctx context.Context, h Handler, ev Event) (resp *Response, err error) {
	if !ev.Type.timeoutExempt() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()
	return h.Handle(ctx, ev)
}
