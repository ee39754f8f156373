// Package session — JSONL session file entry types.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CurrentVersion is the session file format version written to new headers.
// V1: linear chain, no entry ids. V2: id/parent_id tree, branch summaries,
// labels, custom entries.
const CurrentVersion = 2

// EntryType identifies the kind of JSONL line.
type EntryType string

const (
	EntryTypeSession       EntryType = "session"
	EntryTypeMessage       EntryType = "message"
	EntryTypeCompaction    EntryType = "compaction"
	EntryTypeBranchSummary EntryType = "branch_summary"
	EntryTypeCustom        EntryType = "custom"
	EntryTypeCustomMessage EntryType = "custom_message"
	EntryTypeLabel         EntryType = "label"
)

// ---------------------------------------------------------------------------
// Header (first line of every session file)
// ---------------------------------------------------------------------------

// Header is the first line written to every session file. It anchors the
// tree: entries whose parent_id is empty are children of the header.
type Header struct {
	Type      EntryType `json:"type"`      // "session"
	ID        string    `json:"id"`        // session UUID
	Version   int       `json:"version"`   // format version
	Timestamp string    `json:"timestamp"` // ISO 8601
	CWD       string    `json:"cwd"`       // working directory at creation
}

// Valid reports whether h can anchor a session file. Files whose first
// line does not satisfy this are treated as containing zero entries.
func (h Header) Valid() bool {
	return h.Type == EntryTypeSession && h.ID != "" && h.Version >= 1
}

// ---------------------------------------------------------------------------
// Entry — common shape of every non-header line
// ---------------------------------------------------------------------------

// EntryBase carries the fields shared by every entry kind. It is embedded
// in each concrete entry struct so they all serialize the same envelope.
type EntryBase struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"` // empty = child of the header
	Timestamp string    `json:"timestamp"`
}

func (b EntryBase) EntryID() string       { return b.ID }
func (b EntryBase) ParentEntryID() string { return b.ParentID }
func (b EntryBase) Kind() EntryType       { return b.Type }

// Entry is one immutable record in the session log. Entries are never
// edited or deleted after being appended; all state changes are modelled
// as new entries that shadow earlier ones.
type Entry interface {
	EntryID() string
	ParentEntryID() string
	Kind() EntryType
}

// ---------------------------------------------------------------------------
// Concrete entry kinds
// ---------------------------------------------------------------------------

// MessageEntry records one conversation message (user, assistant,
// tool result, or shell execution) — the unit the model actually sees.
type MessageEntry struct {
	EntryBase
	Role    string          `json:"role"`    // quick access without parsing Message
	Message json.RawMessage `json:"message"` // serialized message (concrete type)
}

// CompactionEntry records that an LLM-generated summary replaced the
// early portion of the conversation history. Details is an opaque
// payload for hook-specific state and is never interpreted here.
type CompactionEntry struct {
	EntryBase
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"first_kept_entry_id"` // earliest entry still kept verbatim
	TokensBefore     int             `json:"tokens_before"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// BranchSummaryEntry preserves, as model-visible context, what was
// explored on a branch the user jumped away from. FromID is the leaf of
// the abandoned branch.
type BranchSummaryEntry struct {
	EntryBase
	Summary string `json:"summary"`
	FromID  string `json:"from_id"`
}

// CustomEntry is hook-private state. It is persisted and replayed to
// hooks but never included in model context.
type CustomEntry struct {
	EntryBase
	CustomType string          `json:"custom_type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CustomMessageEntry is hook-supplied content that does participate in
// model context. Display controls UI visibility only.
type CustomMessageEntry struct {
	EntryBase
	Content string          `json:"content"`
	Display bool            `json:"display"`
	Details json.RawMessage `json:"details,omitempty"`
}

// LabelEntry attaches (or, with an empty label, clears) a label on
// another entry. Labels resolve last-write-wins per target in append
// order; the label relationship is metadata, not a tree edge.
type LabelEntry struct {
	EntryBase
	TargetID string `json:"target_id"`
	Label    string `json:"label,omitempty"`
}

// UnrecognizedEntry holds a line whose type discriminant this version
// does not know. The raw bytes are preserved so rewriting the file (e.g.
// during migration) loses nothing.
type UnrecognizedEntry struct {
	EntryBase
	Raw json.RawMessage `json:"-"`
}

// MarshalJSON writes the original line back untouched.
func (e UnrecognizedEntry) MarshalJSON() ([]byte, error) {
	return e.Raw, nil
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func newBase(typ EntryType, parentID string) EntryBase {
	return EntryBase{
		Type:      typ,
		ID:        newEntryID(),
		ParentID:  parentID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func newMessageEntry(parentID, role string, msg json.RawMessage) MessageEntry {
	return MessageEntry{EntryBase: newBase(EntryTypeMessage, parentID), Role: role, Message: msg}
}

func newCompactionEntry(parentID, summary, firstKeptEntryID string, tokensBefore int, details json.RawMessage) CompactionEntry {
	return CompactionEntry{
		EntryBase:        newBase(EntryTypeCompaction, parentID),
		Summary:          summary,
		FirstKeptEntryID: firstKeptEntryID,
		TokensBefore:     tokensBefore,
		Details:          details,
	}
}

func newBranchSummaryEntry(parentID, summary, fromID string) BranchSummaryEntry {
	return BranchSummaryEntry{EntryBase: newBase(EntryTypeBranchSummary, parentID), Summary: summary, FromID: fromID}
}

func newCustomEntry(parentID, customType string, data json.RawMessage) CustomEntry {
	return CustomEntry{EntryBase: newBase(EntryTypeCustom, parentID), CustomType: customType, Data: data}
}

func newCustomMessageEntry(parentID, content string, display bool, details json.RawMessage) CustomMessageEntry {
	return CustomMessageEntry{EntryBase: newBase(EntryTypeCustomMessage, parentID), Content: content, Display: display, Details: details}
}

func newLabelEntry(parentID, targetID, label string) LabelEntry {
	return LabelEntry{EntryBase: newBase(EntryTypeLabel, parentID), TargetID: targetID, Label: label}
}

// newEntryID generates an 8-character hex entry ID from a random UUID.
func newEntryID() string {
	return uuid.New().String()[:8]
}

// ---------------------------------------------------------------------------
// Line decoding
// ---------------------------------------------------------------------------

// DecodeLine parses one JSONL line into a strongly-typed entry. Unknown
// discriminants decode to UnrecognizedEntry rather than failing, so a
// newer file remains loadable. The header line is not an entry; callers
// handle it separately.
func DecodeLine(line []byte) (Entry, error) {
	var base EntryBase
	if err := json.Unmarshal(line, &base); err != nil {
		return nil, fmt.Errorf("session: parse entry: %w", err)
	}
	if base.ID == "" {
		return nil, fmt.Errorf("session: entry missing id")
	}

	switch base.Type {
	case EntryTypeMessage:
		var e MessageEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse message entry: %w", err)
		}
		return e, nil
	case EntryTypeCompaction:
		var e CompactionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse compaction entry: %w", err)
		}
		return e, nil
	case EntryTypeBranchSummary:
		var e BranchSummaryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse branch summary entry: %w", err)
		}
		return e, nil
	case EntryTypeCustom:
		var e CustomEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse custom entry: %w", err)
		}
		return e, nil
	case EntryTypeCustomMessage:
		var e CustomMessageEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse custom message entry: %w", err)
		}
		return e, nil
	case EntryTypeLabel:
		var e LabelEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("session: parse label entry: %w", err)
		}
		return e, nil
	case EntryTypeSession:
		return nil, fmt.Errorf("session: header line is not an entry")
	default:
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		return UnrecognizedEntry{EntryBase: base, Raw: raw}, nil
	}
}
