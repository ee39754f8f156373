// Package treeline assembles the session log and compaction engine from
// configuration: it starts configured hook subprocesses, builds the
// credential resolver, and returns a ready compaction executor. The LLM
// provider itself is supplied by the caller.
package treeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/treeline-dev/treeline/pkg/ai"
	"github.com/treeline-dev/treeline/pkg/compact"
	"github.com/treeline-dev/treeline/pkg/config"
	"github.com/treeline-dev/treeline/pkg/creds"
	"github.com/treeline-dev/treeline/pkg/hooks"
	"github.com/treeline-dev/treeline/pkg/session"
)

// Engine is the assembled runtime: session storage location, hook
// dispatch, and the compaction executor.
type Engine struct {
	SessionsDir string
	Hooks       *hooks.Runner
	Executor    *compact.Executor

	logger *slog.Logger
	execs  []*hooks.ExecHandler
}

// New builds an Engine from cfg. Hook subprocesses are started eagerly;
// call Close to terminate them. logger may be nil.
func New(provider ai.Provider, cfg *config.File, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var handlers []hooks.Handler
	var execs []*hooks.ExecHandler
	for _, hc := range cfg.Hooks {
		name := hc.Name
		if name == "" {
			name = hc.Command
		}
		h, err := hooks.NewExecHandler(name, hc.Command, hc.Args...)
		if err != nil {
			for _, started := range execs {
				started.Close()
			}
			return nil, fmt.Errorf("treeline: start hook %s: %w", name, err)
		}
		handlers = append(handlers, h)
		execs = append(execs, h)
	}
	runner := hooks.NewRunner(handlers, 0, logger)

	dir := cfg.SessionsDir
	if dir == "" {
		dir = session.DefaultSessionsDir()
	}

	exec := &compact.Executor{
		Provider:    provider,
		Model:       cfg.Model,
		Credentials: creds.Default(cfg.APIKey, cfg.Region, cfg.Profile),
		Hooks:       runner,
		Logger:      logger,
		Config: compact.Config{
			Enabled:          cfg.Compaction.Enabled,
			ContextWindow:    cfg.Compaction.ContextWindow,
			ReserveTokens:    cfg.Compaction.ReserveTokens,
			KeepRecentTokens: cfg.Compaction.KeepRecentTokens,
		},
	}

	return &Engine{
		SessionsDir: dir,
		Hooks:       runner,
		Executor:    exec,
		logger:      logger,
		execs:       execs,
	}, nil
}

// Close terminates hook subprocesses. Sessions opened through the engine
// are closed by their callers.
func (e *Engine) Close() error {
	var first error
	for _, h := range e.execs {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type sessionStartPayload struct {
	CWD     string `json:"cwd"`
	Resumed bool   `json:"resumed"`
}

// NewSession creates a session in the engine's sessions directory and
// announces it to hooks.
func (e *Engine) NewSession(ctx context.Context, cwd string) (*session.Session, error) {
	sess, err := session.Create(e.SessionsDir, cwd)
	if err != nil {
		return nil, err
	}
	sess.SetLogger(e.logger)
	e.emitSessionStart(ctx, sess, false)
	return sess, nil
}

// ResumeSession loads an existing session by id prefix, migrating old
// file formats transparently, and announces the resume to hooks.
func (e *Engine) ResumeSession(ctx context.Context, idPrefix string) (*session.Session, error) {
	sess, err := session.Load(e.SessionsDir, idPrefix)
	if err != nil {
		return nil, err
	}
	sess.SetLogger(e.logger)
	e.emitSessionStart(ctx, sess, true)
	return sess, nil
}

func (e *Engine) emitSessionStart(ctx context.Context, sess *session.Session, resumed bool) {
	payload, err := json.Marshal(sessionStartPayload{CWD: sess.CWD(), Resumed: resumed})
	if err != nil {
		return
	}
	e.Hooks.Emit(ctx, hooks.Event{
		Type:      hooks.EventSessionStart,
		SessionID: sess.ID(),
		Payload:   payload,
	})
}

// MaybeCompact estimates the session's context size and runs a full
// compaction when it crosses the configured threshold. It returns the
// result when compaction ran, nil when it was not needed.
func (e *Engine) MaybeCompact(ctx context.Context, sess *session.Session) (*compact.Result, error) {
	usage := compact.EstimateContextTokens(sess.Path())
	if !compact.ShouldCompact(usage.Tokens, e.Executor.Config) {
		return nil, nil
	}
	e.logger.Info("context near window limit, compacting",
		"session", sess.ID(), "estimated_tokens", usage.Tokens)
	return e.Executor.Compact(ctx, sess, "")
}
