package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session"+FileExt)
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestReadFileMissing(t *testing.T) {
	hdr, entries, err := readFile(filepath.Join(t.TempDir(), "nope.jsonl"), nil)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if hdr.Valid() || len(entries) != 0 {
		t.Errorf("missing file should yield zero values")
	}
}

func TestReadFileEmpty(t *testing.T) {
	path := writeTestFile(t)
	hdr, entries, err := readFile(path, nil)
	if err != nil {
		t.Fatalf("empty file should not error: %v", err)
	}
	if hdr.Valid() || len(entries) != 0 {
		t.Errorf("empty file should yield zero values")
	}
}

func TestReadFileSkipsCorruptLines(t *testing.T) {
	path := writeTestFile(t,
		`{"type":"session","id":"abc-123","version":2,"timestamp":"2026-01-01T00:00:00Z","cwd":"/x"}`,
		`{"type":"message","id":"aaaa0001","role":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}],"timestamp":1}}`,
		`{"type":"message","id":"aaaa0002","parent_id":"aaaa0001","role":"assist`, // torn mid-write
		`not even json`,
		`{"type":"message","id":"aaaa0003","parent_id":"aaaa0001","role":"user","message":{"role":"user","content":[],"timestamp":2}}`,
	)

	hdr, entries, err := readFile(path, nil)
	if err != nil {
		t.Fatalf("readFile: %v", err)
	}
	if !hdr.Valid() {
		t.Fatal("header should parse")
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (corrupt lines skipped)", len(entries))
	}
	if entries[0].EntryID() != "aaaa0001" || entries[1].EntryID() != "aaaa0003" {
		t.Errorf("surviving entries = %s, %s", entries[0].EntryID(), entries[1].EntryID())
	}
}

func TestPathTerminatesOnCyclicParent(t *testing.T) {
	// A line whose parent_id loops back on itself is well-formed JSON,
	// so it survives load. The backward walk must stop at the repeat
	// and return the reachable suffix instead of spinning.
	path := writeTestFile(t,
		`{"type":"session","id":"abc-456","version":2,"timestamp":"2026-01-01T00:00:00Z","cwd":"/x"}`,
		`{"type":"message","id":"aaaa0001","role":"user","message":{"role":"user","content":[{"type":"text","text":"hi"}],"timestamp":1}}`,
		`{"type":"message","id":"aaaa0002","parent_id":"aaaa0001","role":"assistant","message":{"role":"assistant","content":[],"timestamp":2}}`,
		`{"type":"message","id":"aaaa0003","parent_id":"aaaa0003","role":"user","message":{"role":"user","content":[],"timestamp":3}}`,
	)
	sess, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	got := sess.Path() // leaf is the self-parented entry
	if len(got) != 1 || got[0].EntryID() != "aaaa0003" {
		t.Fatalf("Path() = %d entries, want the single reachable entry", len(got))
	}
	if _, err := sess.Messages(); err != nil {
		t.Errorf("Messages: %v", err)
	}

	// Entries outside the cycle are unaffected.
	clean := sess.PathFrom("aaaa0002")
	if len(clean) != 2 || clean[0].EntryID() != "aaaa0001" {
		t.Errorf("PathFrom(aaaa0002) = %d entries, want [aaaa0001 aaaa0002]", len(clean))
	}
}

func TestOpenRejectsHeaderlessFile(t *testing.T) {
	path := writeTestFile(t,
		`{"type":"message","id":"aaaa0001","role":"user","message":{"role":"user","content":[],"timestamp":1}}`,
	)
	if _, err := Open(path); err == nil {
		t.Error("file without header should not open")
	}
}

func TestUnrecognizedEntryRoundTrip(t *testing.T) {
	// A future entry type must survive load + rewrite byte-for-byte
	// (modulo key order), including its unknown fields.
	raw := `{"type":"hologram","id":"ffff0001","parent_id":"","future_field":{"x":1}}`
	e, err := DecodeLine([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	u, ok := e.(UnrecognizedEntry)
	if !ok {
		t.Fatalf("got %T, want UnrecognizedEntry", e)
	}
	if u.Kind() != "hologram" || u.EntryID() != "ffff0001" {
		t.Errorf("kind=%q id=%q", u.Kind(), u.EntryID())
	}

	out, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got, want map[string]any
	json.Unmarshal(out, &got)
	json.Unmarshal([]byte(raw), &want)
	if got["future_field"] == nil {
		t.Error("unknown fields lost on re-encode")
	}
	if len(got) != len(want) {
		t.Errorf("re-encoded keys %v, want %v", got, want)
	}
}

func TestDecodeLineRequiresID(t *testing.T) {
	if _, err := DecodeLine([]byte(`{"type":"message","role":"user"}`)); err == nil {
		t.Error("entry without id should fail decode")
	}
}
