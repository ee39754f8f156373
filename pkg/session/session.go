// Package session manages persistent agent sessions stored as JSONL files.
//
// Each session is one JSONL file:
//   - Line 1: Header (type=session, id, version, cwd, timestamp)
//   - Lines 2+: entries (one per line), linked into a tree by parent_id
//
// Entry IDs are 8-character hex strings (short enough to not bloat the
// file, unique enough for our purposes). The parent_id chain allows us to
// reconstruct the conversation tree, branch non-destructively by moving
// the leaf pointer, and correctly apply compaction on load.
//
// Usage:
//
//	// Create new session
//	sess, _ := session.Create("~/.config/treeline/sessions", ".")
//
//	// Append messages as they arrive
//	sess.AppendMessage(msg)
//
//	// Later: resume (migrating old files transparently)
//	sess, _ = session.Load("~/.config/treeline/sessions", sessionID)
//	msgs, _ := sess.Messages()
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treeline-dev/treeline/pkg/ai"
)

var (
	// ErrNotFound is returned when an operation references an entry id
	// that is not present in the session.
	ErrNotFound = errors.New("session: entry not found")

	// ErrMigrationRequired is returned when an operation needs entry ids
	// but the session file predates id support. Run Migrate first.
	ErrMigrationRequired = errors.New("session: file format migration required")
)

// Session is an open session file plus its in-memory index. All writes
// are append-only; the single expected writer is the agent driver, but
// the mutex guards against accidental concurrent calls. Read operations
// (Path, Tree, Label, Messages) only touch immutable entries and are
// safe alongside the writer.
type Session struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	dir    string
	header Header
	idx    *index
	logger *slog.Logger
}

// ID returns the session's UUID.
func (s *Session) ID() string { return s.header.ID }

// CWD returns the working directory the session was created in.
func (s *Session) CWD() string { return s.header.CWD }

// Version returns the file format version of the loaded session.
func (s *Session) Version() int { return s.header.Version }

// Header returns a copy of the session header.
func (s *Session) Header() Header { return s.header }

// FilePath returns the absolute path to the session's JSONL file.
func (s *Session) FilePath() string { return s.f.Name() }

// SetLogger replaces the logger (default: discard).
func (s *Session) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l
	}
}

// LeafID returns the id of the current head of the active branch.
func (s *Session) LeafID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.leafID
}

// ---------------------------------------------------------------------------
// Creating and loading sessions
// ---------------------------------------------------------------------------

// Create opens a new session file in dir, writes the header, and returns
// the session. cwd is the working directory at session start.
func Create(dir, cwd string) (*Session, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
	}

	id := uuid.New().String()
	name := fmt.Sprintf("%s-%s%s",
		time.Now().UTC().Format("20060102-150405"),
		id[:8],
		FileExt,
	)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: create %s: %w", path, err)
	}

	header := Header{
		Type:      EntryTypeSession,
		ID:        id,
		Version:   CurrentVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		CWD:       cwd,
	}
	s := &Session{
		f:      f,
		w:      bufio.NewWriter(f),
		dir:    dir,
		header: header,
		idx:    newIndex(nil),
		logger: slog.New(slog.DiscardHandler),
	}
	if err := s.writeLine(header); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Load opens an existing session file by ID prefix (first 8 chars of the
// UUID), migrating old file formats in place, and returns a session ready
// for appending. The leaf pointer starts at the last entry in the file.
func Load(dir, idPrefix string) (*Session, error) {
	path, err := findSessionFile(dir, idPrefix)
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Open opens a session file by path, migrating old formats in place.
func Open(path string) (*Session, error) {
	logger := slog.New(slog.DiscardHandler)

	if _, err := Migrate(path, logger); err != nil {
		return nil, err
	}

	hdr, entries, err := readFile(path, logger)
	if err != nil {
		return nil, err
	}
	if !hdr.Valid() {
		return nil, fmt.Errorf("session: %s has no valid header", path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: open %s for append: %w", path, err)
	}

	return &Session{
		f:      f,
		w:      bufio.NewWriter(f),
		dir:    filepath.Dir(path),
		header: hdr,
		idx:    newIndex(entries),
		logger: logger,
	}, nil
}

// Close flushes and closes the session file.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// ---------------------------------------------------------------------------
// Appending entries — the only way forward state advances
// ---------------------------------------------------------------------------

// append writes e durably, inserts it into the index, and advances the
// leaf pointer. Callers hold s.mu.
func (s *Session) append(e Entry) error {
	if err := s.writeLine(e); err != nil {
		return err
	}
	s.idx.insert(e)
	s.idx.leafID = e.EntryID()
	return nil
}

// AppendMessage serialises msg and appends a MessageEntry.
// Returns the new entry ID.
func (s *Session) AppendMessage(msg ai.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := MarshalMessage(msg)
	if err != nil {
		return "", fmt.Errorf("session: marshal message: %w", err)
	}
	entry := newMessageEntry(s.idx.leafID, string(msg.GetRole()), raw)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// CompactionRecord is the finalized result of a compaction attempt,
// produced by the compaction executor (or a hook override). The session
// turns it into a durable CompactionEntry.
type CompactionRecord struct {
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	Details          json.RawMessage
}

// AppendCompaction appends a CompactionEntry. FirstKeptEntryID must
// resolve to an entry on the current path; otherwise nothing is written.
func (s *Session) AppendCompaction(rec CompactionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.TokensBefore < 0 {
		return "", fmt.Errorf("session: negative tokens_before %d", rec.TokensBefore)
	}
	if !s.onCurrentPath(rec.FirstKeptEntryID) {
		return "", fmt.Errorf("session: first kept entry %q not on current path: %w", rec.FirstKeptEntryID, ErrNotFound)
	}

	entry := newCompactionEntry(s.idx.leafID, rec.Summary, rec.FirstKeptEntryID, rec.TokensBefore, rec.Details)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendCustom appends hook-private state. It is never sent to the model.
func (s *Session) AppendCustom(customType string, data json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := newCustomEntry(s.idx.leafID, customType, data)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// AppendCustomMessage appends hook-supplied content that participates in
// model context. display controls UI visibility only.
func (s *Session) AppendCustomMessage(content string, display bool, details json.RawMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := newCustomMessageEntry(s.idx.leafID, content, display, details)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// SetLabel appends a LabelEntry for targetID. An empty label clears any
// existing label. The target must exist.
func (s *Session) SetLabel(targetID, label string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.entry(targetID); !ok {
		return "", fmt.Errorf("session: label target %q: %w", targetID, ErrNotFound)
	}
	entry := newLabelEntry(s.idx.leafID, targetID, label)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// ---------------------------------------------------------------------------
// Branching
// ---------------------------------------------------------------------------

// Branch moves the leaf pointer to id without writing anything.
// Subsequent appends continue from id, forming a second branch that
// shares the ancestor path. No existing entry is touched.
func (s *Session) Branch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.entry(id); !ok {
		return fmt.Errorf("session: branch target %q: %w", id, ErrNotFound)
	}
	s.idx.leafID = id
	return nil
}

// BranchWithSummary branches to id and appends a BranchSummaryEntry on
// the new branch referencing the abandoned leaf, so the prose content of
// the abandoned branch stays model-visible instead of being silently
// discarded. Returns the summary entry's id.
func (s *Session) BranchWithSummary(id, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.entry(id); !ok {
		return "", fmt.Errorf("session: branch target %q: %w", id, ErrNotFound)
	}
	abandoned := s.idx.leafID
	s.idx.leafID = id

	entry := newBranchSummaryEntry(s.idx.leafID, summary, abandoned)
	if err := s.append(entry); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// Fork physically copies the path ending at leafID into a brand-new
// session file in dir and returns the open child session. Label entries
// are filtered out (labels are re-derived, never copied, so the child
// cannot carry labels pointing at entries it does not contain) and the
// remaining entries are re-chained into a straight line. The parent
// session is not modified.
func (s *Session) Fork(dir, leafID string) (*Session, error) {
	s.mu.Lock()
	path := s.idx.path(leafID)
	cwd := s.header.CWD
	s.mu.Unlock()

	if len(path) == 0 {
		return nil, fmt.Errorf("session: fork from %q: %w", leafID, ErrNotFound)
	}

	child, err := Create(dir, cwd)
	if err != nil {
		return nil, fmt.Errorf("session: fork: create child: %w", err)
	}

	prev := ""
	for _, e := range path {
		if e.Kind() == EntryTypeLabel {
			continue
		}
		copied, err := rechain(e, prev)
		if err != nil {
			child.Close()
			return nil, fmt.Errorf("session: fork: %w", err)
		}
		if err := child.append(copied); err != nil {
			child.Close()
			return nil, err
		}
		prev = copied.EntryID()
	}
	return child, nil
}

// rechain returns a copy of e with its parent pointer replaced, so a
// filtered path stays a valid chain in the child file.
func rechain(e Entry, parentID string) (Entry, error) {
	switch v := e.(type) {
	case MessageEntry:
		v.ParentID = parentID
		return v, nil
	case CompactionEntry:
		v.ParentID = parentID
		return v, nil
	case BranchSummaryEntry:
		v.ParentID = parentID
		return v, nil
	case CustomEntry:
		v.ParentID = parentID
		return v, nil
	case CustomMessageEntry:
		v.ParentID = parentID
		return v, nil
	case UnrecognizedEntry:
		// Rewrite parent_id inside the preserved raw bytes.
		var m map[string]any
		if err := json.Unmarshal(v.Raw, &m); err != nil {
			return nil, err
		}
		if parentID == "" {
			delete(m, "parent_id")
		} else {
			m["parent_id"] = parentID
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		v.ParentID = parentID
		v.Raw = raw
		return v, nil
	default:
		return nil, fmt.Errorf("cannot re-chain entry kind %q", e.Kind())
	}
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Entry returns the entry with the given id.
func (s *Session) Entry(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.entry(id)
}

// Label returns the current label on id, if any.
func (s *Session) Label(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.label(id)
}

// EntryCount returns the number of entries in the session (header excluded).
func (s *Session) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idx.order)
}

// Path returns the root-to-leaf entry sequence for the active branch.
func (s *Session) Path() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx.leafID == "" {
		return nil
	}
	return s.idx.path(s.idx.leafID)
}

// PathFrom returns the root-to-id entry sequence. An unknown id yields
// an empty path.
func (s *Session) PathFrom(id string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.path(id)
}

// Tree returns the derived forest of all entries, with per-node labels
// resolved. Children are grouped by parent id in append order.
func (s *Session) Tree() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.tree()
}

// onCurrentPath reports whether id lies on the path ending at the
// current leaf. Callers hold s.mu.
func (s *Session) onCurrentPath(id string) bool {
	if id == "" || s.idx.leafID == "" {
		return false
	}
	for _, e := range s.idx.path(s.idx.leafID) {
		if e.EntryID() == id {
			return true
		}
	}
	return false
}

// Messages reconstructs the model context for the active branch,
// honouring the most recent compaction on the path: everything before
// its first-kept entry is replaced by the stored summary, injected as a
// user message.
func (s *Session) Messages() ([]ai.Message, error) {
	return contextFromPath(s.Path()), nil
}

// contextFromPath converts a root-to-leaf entry path into the message
// sequence handed to the model.
func contextFromPath(path []Entry) []ai.Message {
	// Find the last compaction on the path.
	lastComp := -1
	for i, e := range path {
		if e.Kind() == EntryTypeCompaction {
			lastComp = i
		}
	}

	if lastComp == -1 {
		var msgs []ai.Message
		for _, e := range path {
			if m, ok := ContextMessage(e); ok {
				msgs = append(msgs, m)
			}
		}
		return msgs
	}

	comp := path[lastComp].(CompactionEntry)
	msgs := []ai.Message{summaryMessage(comp.Summary)}

	// Kept region: from the first-kept entry up to the compaction entry.
	found := false
	for i := 0; i < lastComp; i++ {
		if path[i].EntryID() == comp.FirstKeptEntryID {
			found = true
		}
		if !found {
			continue
		}
		if m, ok := ContextMessage(path[i]); ok {
			msgs = append(msgs, m)
		}
	}

	// Everything after the compaction entry.
	for _, e := range path[lastComp+1:] {
		if m, ok := ContextMessage(e); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

func summaryMessage(summary string) ai.Message {
	text := fmt.Sprintf(
		"The conversation history before this point was compacted into the following summary:\n\n<summary>\n%s\n</summary>",
		summary,
	)
	return ai.UserMessage{
		Role:      ai.RoleUser,
		Content:   []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		Timestamp: time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (s *Session) writeLine(v any) error {
	data, err := encodeLine(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	return s.w.Flush()
}
