package hooks

// External hook protocol — standalone executables
//
// An external hook is a standalone executable that speaks a simple
// JSON-over-stdin/stdout protocol. For each event the runner sends one
// JSON line:
//
//	{"type":"before_compact","session_id":"...","payload":{...}}
//
// and reads one JSON line back:
//
//	{"cancel":true}
//	{"compaction":{"summary":"...","first_kept_entry_id":"...","tokens_before":12345}}
//	{}
//
// An empty object (or empty line) means "no response". Responses are
// validated against a JSON schema before being trusted; anything that
// fails validation counts as a handler error and is ignored upstream.
//
// Hook processes are launched once and kept alive for the session. Calls
// to a single process are serialised, and a single goroutine owns the
// process's stdout for its whole lifetime. The hook writes exactly one
// reply line per event, so replies pair with events first-in first-out;
// a reply owed to an event that timed out is drained and discarded when
// it eventually arrives, never handed to a later event.

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const responseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "cancel": {"type": "boolean"},
    "compaction": {
      "type": "object",
      "properties": {
        "summary": {"type": "string", "minLength": 1},
        "first_kept_entry_id": {"type": "string", "minLength": 1},
        "tokens_before": {"type": "integer", "minimum": 0},
        "details": {}
      },
      "required": ["summary", "first_kept_entry_id"],
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

var (
	responseSchemaOnce sync.Once
	responseSchema     *jsonschema.Schema
	responseSchemaErr  error
)

func compiledResponseSchema() (*jsonschema.Schema, error) {
	responseSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchemaJSON))
		if err != nil {
			responseSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("hook-response.json", doc); err != nil {
			responseSchemaErr = err
			return
		}
		responseSchema, responseSchemaErr = c.Compile("hook-response.json")
	})
	return responseSchema, responseSchemaErr
}

// ExecHandler runs an external hook executable and relays events to it.
type ExecHandler struct {
	name string

	mu    sync.Mutex
	cmd   *exec.Cmd
	enc   *json.Encoder
	lines chan lineResult
	done  chan struct{}
	stale int // replies owed to events that timed out
}

type lineResult struct {
	line []byte
	err  error
}

// NewExecHandler starts the hook process and wires its stdio.
func NewExecHandler(name, command string, args ...string) (*ExecHandler, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hooks: %s stdin: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("hooks: %s stdout: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("hooks: start %s (%s): %w", name, command, err)
	}
	h := &ExecHandler{
		name:  name,
		cmd:   cmd,
		enc:   json.NewEncoder(stdin),
		lines: make(chan lineResult, 4),
		done:  make(chan struct{}),
	}
	go h.readLoop(bufio.NewReader(stdout))
	return h, nil
}

// readLoop is the sole reader of the hook's stdout. It runs until the
// pipe closes or the handler shuts down.
func (h *ExecHandler) readLoop(out *bufio.Reader) {
	for {
		line, err := out.ReadBytes('\n')
		select {
		case h.lines <- lineResult{line, err}:
		case <-h.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *ExecHandler) Name() string { return h.name }

// Handle sends the event as one JSON line and reads one response line.
// The response must validate against the hook response schema. If ctx
// expires before the hook replies, the reply is marked stale and a later
// Handle call discards it rather than treating it as its own response.
func (h *ExecHandler) Handle(ctx context.Context, ev Event) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("hooks: send to %s: %w", h.name, err)
	}

	for {
		select {
		case <-ctx.Done():
			h.stale++
			return nil, fmt.Errorf("hooks: %s: %w", h.name, ctx.Err())
		case res := <-h.lines:
			if res.err != nil {
				return nil, fmt.Errorf("hooks: read from %s: %w", h.name, res.err)
			}
			if h.stale > 0 {
				h.stale--
				continue
			}
			return decodeResponse(h.name, res.line)
		}
	}
}

func decodeResponse(name string, line []byte) (*Response, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	schema, err := compiledResponseSchema()
	if err != nil {
		return nil, fmt.Errorf("hooks: response schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(line))
	if err != nil {
		return nil, fmt.Errorf("hooks: %s response is not JSON: %w", name, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("hooks: %s response failed validation: %w", name, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("hooks: decode %s response: %w", name, err)
	}
	if !resp.Cancel && resp.Compaction == nil {
		return nil, nil // empty object = no response
	}
	return &resp, nil
}

// Close terminates the hook process and releases the reader.
func (h *ExecHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	return h.cmd.Wait()
}
