// Package session — flat-file store.
//
// A session file is newline-delimited JSON, UTF-8, one object per line.
// The store is deliberately forgiving on read: individual malformed
// lines (including a torn final line from a crashed writer) are logged
// and skipped, and a file whose first line is not a valid header is
// treated as containing zero usable entries. Writes are append-only;
// the only whole-file rewrite is the atomic one performed by migration.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// FileExt is the extension every session file carries.
	FileExt = ".jsonl"

	scannerInitialBuf = 64 * 1024
	scannerMaxBuf     = 10 * 1024 * 1024 // 10MB max line
)

// readFile parses a session file into its header and ordered entries.
// An absent file, an empty file, or a file whose first line is not a
// valid header all yield a zero header and no entries, without error.
func readFile(path string, logger *slog.Logger) (Header, []Entry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, nil, nil
		}
		return Header{}, nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	if !scanner.Scan() {
		return Header{}, nil, nil // empty file
	}
	hdr, ok := decodeHeader(scanner.Bytes())
	if !ok {
		logger.Warn("session file has no valid header, ignoring", "path", path)
		return Header{}, nil, nil
	}

	var entries []Entry
	lineNum := 1
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		e, err := DecodeLine(line)
		if err != nil {
			logger.Warn("skipping malformed session line", "path", path, "line", lineNum, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return hdr, entries, fmt.Errorf("session: scan %s: %w", path, err)
	}
	return hdr, entries, nil
}

// decodeHeader parses a line as the session header, reporting whether
// the result is usable.
func decodeHeader(line []byte) (Header, bool) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, false
	}
	if !h.Valid() {
		return Header{}, false
	}
	return h, true
}

// encodeLine marshals v followed by a newline.
func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("session: marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

// writeFileAtomic writes data to path via a temp file in the same
// directory plus rename, so a partially-written file is never observable
// under the final name.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("session: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: rename %s: %w", path, err)
	}
	return nil
}
