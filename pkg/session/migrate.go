// Package session — file format migration.
//
// Each migration step is a pure transformation from version N to N+1
// applied to the raw decoded lines; the chain runs until the file
// reaches CurrentVersion and the result replaces the file atomically.
// Adding a future version means appending one step here.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

type migration struct {
	from  int
	apply func(lines []map[string]any) error
}

// migrations in ascending order; step i upgrades from its `from` version
// to from+1.
var migrations = []migration{
	{from: 1, apply: migrateV1toV2},
}

// Migrate upgrades the session file at path to CurrentVersion, rewriting
// it atomically. It is idempotent: a file already at CurrentVersion (or
// newer) is left untouched and (false, nil) is returned.
func Migrate(path string, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("session: migrate read %s: %w", path, err)
	}

	lines, version, err := decodeRawLines(data, path, logger)
	if err != nil {
		return false, err
	}
	if version >= CurrentVersion {
		return false, nil
	}

	for _, m := range migrations {
		if version != m.from {
			continue
		}
		if err := m.apply(lines); err != nil {
			return false, fmt.Errorf("session: migrate %s v%d->v%d: %w", path, m.from, m.from+1, err)
		}
		version = m.from + 1
		lines[0]["version"] = version
	}
	if version < CurrentVersion {
		return false, fmt.Errorf("session: no migration path from v%d for %s", version, path)
	}

	var buf bytes.Buffer
	for _, line := range lines {
		b, err := json.Marshal(line)
		if err != nil {
			return false, fmt.Errorf("session: migrate marshal line: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return false, err
	}
	logger.Info("migrated session file", "path", path, "version", version)
	return true, nil
}

// decodeRawLines parses a session file into generic maps, returning the
// header version. Malformed lines are dropped (with a warning): they are
// unusable in any version and preserving them would only re-trip every
// future load.
func decodeRawLines(data []byte, path string, logger *slog.Logger) ([]map[string]any, int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	var lines []map[string]any
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.Warn("dropping malformed line during migration", "path", path, "line", lineNum, "err", err)
			continue
		}
		lines = append(lines, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("session: migrate scan %s: %w", path, err)
	}
	if len(lines) == 0 || lines[0]["type"] != string(EntryTypeSession) {
		return nil, 0, fmt.Errorf("session: %s has no header, cannot migrate", path)
	}

	version := 0
	if v, ok := lines[0]["version"].(float64); ok {
		version = int(v)
	}
	if version < 1 {
		return nil, 0, fmt.Errorf("session: %s header has no version", path)
	}
	return lines, version, nil
}

// migrateV1toV2 turns a legacy linear-chain file into the tree format:
// every entry gets a synthesized id, parent_id points at the previous
// entry (the first entry stays a child of the header), and numeric
// compaction offsets become entry-id references.
func migrateV1toV2(lines []map[string]any) error {
	// lines[0] is the header; entries follow in file order.
	entryIDs := make([]string, 0, len(lines)-1)
	prev := ""
	for _, line := range lines[1:] {
		id, _ := line["id"].(string)
		if id == "" {
			id = newEntryID()
			line["id"] = id
		}
		if prev != "" {
			line["parent_id"] = prev
		}
		prev = id
		entryIDs = append(entryIDs, id)
	}

	for _, line := range lines[1:] {
		if line["type"] != string(EntryTypeCompaction) {
			continue
		}
		rawIdx, ok := line["first_kept_entry_index"].(float64)
		if !ok {
			continue
		}
		idx := int(rawIdx)
		if idx < 0 || idx >= len(entryIDs) {
			return fmt.Errorf("first_kept_entry_index %d out of range (%d entries)", idx, len(entryIDs))
		}
		line["first_kept_entry_id"] = entryIDs[idx]
		delete(line, "first_kept_entry_index")
	}
	return nil
}
