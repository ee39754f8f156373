package session

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
)

// v1 files: linear chain, no entry ids, compaction references entries by
// numeric index.
const v1File = `{"type":"session","id":"11111111-2222-3333-4444-555555555555","version":1,"timestamp":"2025-06-01T00:00:00Z","cwd":"/old"}
{"type":"message","role":"user","message":{"role":"user","content":[{"type":"text","text":"q1"}],"timestamp":1}}
{"type":"message","role":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a1"}],"timestamp":2}}
{"type":"message","role":"user","message":{"role":"user","content":[{"type":"text","text":"q2"}],"timestamp":3}}
{"type":"compaction","summary":"old stuff","first_kept_entry_index":2,"tokens_before":1000}
{"type":"message","role":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"a2"}],"timestamp":4}}
`

func TestMigrateV1ToV2(t *testing.T) {
	path := writeTestFile(t)
	if err := os.WriteFile(path, []byte(v1File), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	migrated, err := Migrate(path, nil)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !migrated {
		t.Fatal("v1 file should have been migrated")
	}

	hdr, entries, err := readFile(path, nil)
	if err != nil {
		t.Fatalf("readFile after migrate: %v", err)
	}
	if hdr.Version != CurrentVersion {
		t.Errorf("header version = %d, want %d", hdr.Version, CurrentVersion)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}

	// Every entry has an id, and parent ids form the original linear chain.
	prev := ""
	for i, e := range entries {
		if e.EntryID() == "" {
			t.Fatalf("entry %d has no id after migration", i)
		}
		if e.ParentEntryID() != prev {
			t.Errorf("entry %d parent = %q, want %q", i, e.ParentEntryID(), prev)
		}
		prev = e.EntryID()
	}

	// The numeric compaction reference became an entry-id reference.
	comp, ok := entries[3].(CompactionEntry)
	if !ok {
		t.Fatalf("entries[3] is %T, want CompactionEntry", entries[3])
	}
	if comp.FirstKeptEntryID != entries[2].EntryID() {
		t.Errorf("first_kept_entry_id = %q, want %q", comp.FirstKeptEntryID, entries[2].EntryID())
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "first_kept_entry_index") {
		t.Error("migrated file still contains first_kept_entry_index")
	}

	// The migrated file loads and reconstructs context correctly.
	sess, err := Open(path)
	if err != nil {
		t.Fatalf("Open migrated: %v", err)
	}
	defer sess.Close()
	msgs, _ := sess.Messages()
	// [summary, q2, a2]
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3: %v", len(msgs), roles(msgs))
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := writeTestFile(t)
	if err := os.WriteFile(path, []byte(v1File), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Migrate(path, nil); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	before, _ := os.ReadFile(path)

	migrated, err := Migrate(path, nil)
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if migrated {
		t.Error("second migration should be a no-op")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("second migration changed file bytes")
	}
}

func TestMigrateFutureVersionUntouched(t *testing.T) {
	path := writeTestFile(t,
		`{"type":"session","id":"abc","version":99,"timestamp":"2026-01-01T00:00:00Z","cwd":"/x"}`,
	)
	before, _ := os.ReadFile(path)
	migrated, err := Migrate(path, nil)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated {
		t.Error("newer-than-current file should be left alone")
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Error("newer file was rewritten")
	}
}

func TestMigratePreservesUnknownFields(t *testing.T) {
	path := writeTestFile(t,
		`{"type":"session","id":"abc","version":1,"timestamp":"2026-01-01T00:00:00Z","cwd":"/x"}`,
		`{"type":"message","role":"user","message":{"role":"user","content":[],"timestamp":1},"vendor_extra":"keep-me"}`,
	)
	if _, err := Migrate(path, nil); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &m); err != nil {
		t.Fatalf("parse migrated line: %v", err)
	}
	if m["vendor_extra"] != "keep-me" {
		t.Error("unknown field dropped during migration")
	}
}
