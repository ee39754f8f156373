// Package session — listing and locating session files.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/treeline-dev/treeline/pkg/ai"
)

// DefaultSessionsDir returns the platform-appropriate directory for
// session files.
func DefaultSessionsDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "treeline", "sessions")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "treeline", "sessions")
}

// ---------------------------------------------------------------------------
// Info — lightweight summary for listing
// ---------------------------------------------------------------------------

// Info is a lightweight summary of a session, used for listing sessions.
type Info struct {
	ID           string    // session UUID (full)
	Path         string    // absolute path to the JSONL file
	CWD          string    // working directory at creation
	Version      int       // file format version
	Created      time.Time // parsed from the header timestamp
	EntryCount   int       // number of entries (header excluded)
	MessageCount int       // number of message entries
	FirstMessage string    // text of the first user message (truncated)
}

// List returns summary info for all sessions in dir, sorted newest-first.
// Files without a valid header are skipped.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list %s: %w", dir, err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		info, err := readInfo(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // skip malformed files
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos, nil
}

func readInfo(path string) (Info, error) {
	hdr, entries, err := readFile(path, slog.New(slog.DiscardHandler))
	if err != nil {
		return Info{}, err
	}
	if !hdr.Valid() {
		return Info{}, fmt.Errorf("session: no valid header in %s", path)
	}
	if hdr.Version < CurrentVersion {
		return legacyInfo(path, hdr)
	}

	info := Info{
		ID:         hdr.ID,
		Path:       path,
		CWD:        hdr.CWD,
		Version:    hdr.Version,
		EntryCount: len(entries),
	}
	if t, err := time.Parse(time.RFC3339, hdr.Timestamp); err == nil {
		info.Created = t
	}
	for _, e := range entries {
		me, ok := e.(MessageEntry)
		if !ok {
			continue
		}
		info.MessageCount++
		if info.FirstMessage == "" && me.Role == "user" {
			info.FirstMessage = firstText(me)
		}
	}
	return info, nil
}

// legacyInfo summarises a not-yet-migrated file. Its entries carry no
// ids, so the regular decoder rejects every one of them; counting the
// raw lines instead keeps legacy sessions from listing as empty.
// Nothing is rewritten here — migration happens on open, not on list.
func legacyInfo(path string, hdr Header) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("session: open %s: %w", path, err)
	}
	defer f.Close()

	info := Info{
		ID:      hdr.ID,
		Path:    path,
		CWD:     hdr.CWD,
		Version: hdr.Version,
	}
	if t, err := time.Parse(time.RFC3339, hdr.Timestamp); err == nil {
		info.Created = t
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := bytes.TrimSpace(scanner.Bytes())
		if lineNum == 1 || len(raw) == 0 {
			continue
		}
		var m struct {
			Type    string          `json:"type"`
			Role    string          `json:"role"`
			Message json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal(raw, &m); err != nil || m.Type == "" {
			continue
		}
		info.EntryCount++
		if m.Type != string(EntryTypeMessage) {
			continue
		}
		info.MessageCount++
		if info.FirstMessage == "" && m.Role == "user" {
			info.FirstMessage = firstText(MessageEntry{Role: m.Role, Message: m.Message})
		}
	}
	return info, nil
}

// firstText extracts the first text snippet from a message entry,
// truncated for display.
func firstText(me MessageEntry) string {
	msg, err := UnmarshalMessage(me.Role, me.Message)
	if err != nil {
		return ""
	}
	um, ok := msg.(ai.UserMessage)
	if !ok {
		return ""
	}
	for _, b := range um.Content {
		tc, ok := b.(ai.TextContent)
		if !ok || tc.Text == "" {
			continue
		}
		if len(tc.Text) > 80 {
			return tc.Text[:77] + "..."
		}
		return tc.Text
	}
	return ""
}

// FindMostRecent returns the path of the session file in dir with the
// newest modification time whose first line parses as a valid header.
// Files that fail header validation are ignored entirely, not merely
// deprioritized. Returns ErrNotFound when no usable file exists.
func FindMostRecent(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("session: read dir %s: %w", dir, err)
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FileExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if best != "" && !fi.ModTime().After(bestMod) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !hasValidHeader(path) {
			continue
		}
		best = path
		bestMod = fi.ModTime()
	}
	if best == "" {
		return "", ErrNotFound
	}
	return best, nil
}

// hasValidHeader reads only the first line of path and validates it.
func hasValidHeader(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)
	if !scanner.Scan() {
		return false
	}
	_, ok := decodeHeader(scanner.Bytes())
	return ok
}

// findSessionFile locates a session file matching the given ID prefix.
func findSessionFile(dir, idPrefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("session: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), idPrefix) && strings.HasSuffix(e.Name(), FileExt) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("session: no session matching %q in %s: %w", idPrefix, dir, ErrNotFound)
}
