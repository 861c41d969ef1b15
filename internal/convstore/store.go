// Package convstore reads and forks the agent's append-only conversation
// logs. A log is one newline-delimited JSON file per session, named by the
// session UUID, under <configRoot>/projects/<slug>/. The store never
// mutates an existing log — the agent owns them — and a fork writes only a
// brand-new file.
//
// Parsing is lenient throughout: malformed lines are skipped silently and
// a truncated file still yields whatever prefix parses.
package convstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reduck-ai/reduck/pkg/convo"
)

// ErrNotFound marks a missing session, leaf uuid, or project directory.
// The HTTP layer maps it to a 404.
var ErrNotFound = errors.New("convstore: not found")

// logExt is the conversation log file suffix.
const logExt = ".log"

// maxLineSize bounds a single log line. Tool results embedding file
// contents can get very large.
const maxLineSize = 64 * 1024 * 1024

// Store reads conversation logs from a single project directory.
// All methods are safe for concurrent use; the store itself is stateless.
type Store struct {
	dir string
}

// ProjectDir maps a project working directory to its log directory under
// configRoot: every character outside [A-Za-z0-9] becomes '-'.
func ProjectDir(configRoot, projectCwd string) string {
	slug := make([]rune, 0, len(projectCwd))
	for _, r := range projectCwd {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			slug = append(slug, r)
		default:
			slug = append(slug, '-')
		}
	}
	return filepath.Join(configRoot, "projects", string(slug))
}

// New creates a Store over the given project log directory. The directory
// does not need to exist yet; operations on a missing directory behave as
// if it were empty.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the project log directory this store reads from.
func (s *Store) Dir() string { return s.dir }

// SessionPath returns the log file path for a session id.
func (s *Store) SessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+logExt)
}

// SessionInfo is one item of a List result.
type SessionInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns all sessions in the project directory ordered by descending
// last-modified time. Titles and summaries come from a bounded tail scan
// (see scanTail); sessions without a recoverable title are skipped, and a
// single unreadable file never fails the whole listing.
func (s *Store) List() ([]SessionInfo, error) {
	dirents, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: read dir: %w", err)
	}

	var out []SessionInfo
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, logExt) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}

		title, summary, err := scanTail(filepath.Join(s.dir, name))
		if err != nil || title == "" {
			continue
		}

		out = append(out, SessionInfo{
			ID:        strings.TrimSuffix(name, logExt),
			Name:      title,
			Summary:   summary,
			UpdatedAt: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// LoadPath returns the root-to-leaf entry sequence for a session. When
// leafUUID is empty the active leaf (deepest path) is used. Returns
// ErrNotFound when the session file or the requested uuid is missing.
func (s *Store) LoadPath(sessionID, leafUUID string) ([]*convo.Entry, error) {
	tr, err := s.loadTree(sessionID)
	if err != nil {
		return nil, err
	}

	if leafUUID == "" {
		leafUUID = tr.activeLeaf()
		if leafUUID == "" {
			return nil, fmt.Errorf("%w: session %s has no tree entries", ErrNotFound, sessionID)
		}
	} else if tr.lookup(leafUUID) == nil {
		return nil, fmt.Errorf("%w: uuid %s in session %s", ErrNotFound, leafUUID, sessionID)
	}

	path := tr.walkPath(leafUUID)
	reverse(path)
	return path, nil
}

// LoadMessages returns the user/assistant messages along the active path,
// in conversation order. Entries without a decodable message are skipped.
func (s *Store) LoadMessages(sessionID string) ([]convo.Message, error) {
	path, err := s.LoadPath(sessionID, "")
	if err != nil {
		return nil, err
	}

	var msgs []convo.Message
	for _, e := range path {
		if e.Type != convo.EntryUser && e.Type != convo.EntryAssistant {
			continue
		}
		if e.Message == nil {
			continue
		}
		msgs = append(msgs, *e.Message)
	}
	return msgs, nil
}

// LeafInfo describes one leaf of the conversation tree.
type LeafInfo struct {
	UUID     string `json:"uuid"`
	Type     string `json:"type"`
	Depth    int    `json:"depth"`
	Preview  string `json:"preview"`
	IsActive bool   `json:"is_active"`
}

// Leaves returns all leaves of a session's tree sorted by descending depth.
// The deepest leaf is marked active.
func (s *Store) Leaves(sessionID string) ([]LeafInfo, error) {
	tr, err := s.loadTree(sessionID)
	if err != nil {
		return nil, err
	}

	active := tr.activeLeaf()
	var out []LeafInfo
	for _, id := range tr.leaves() {
		e := tr.lookup(id)
		out = append(out, LeafInfo{
			UUID:     id,
			Type:     e.Type,
			Depth:    len(tr.walkPath(id)),
			Preview:  convo.Preview(e.Message),
			IsActive: id == active,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Depth > out[j].Depth
	})
	return out, nil
}

// Fork copies the root-to-leaf path of an existing session log into a new
// session file and returns the new session id. The new file starts with a
// queue-operation record and contains the path entries with their
// sessionId rewritten; all other fields are preserved verbatim. The
// original log is never touched.
func (s *Store) Fork(sessionPath, leafUUID string) (string, error) {
	entries, err := readEntries(sessionPath)
	if err != nil {
		return "", err
	}
	tr := buildTree(entries)
	if tr.lookup(leafUUID) == nil {
		return "", fmt.Errorf("%w: uuid %s in %s", ErrNotFound, leafUUID, sessionPath)
	}

	path := tr.walkPath(leafUUID)
	reverse(path)

	newID := uuid.NewString()
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf(
		`{"type":"queue-operation","operation":"dequeue","sessionId":%q,"timestamp":%q}`,
		newID, time.Now().UTC().Format(time.RFC3339Nano)))
	sb.WriteByte('\n')

	for _, e := range path {
		line, err := e.WithSessionID(newID)
		if err != nil {
			return "", fmt.Errorf("convstore: rewrite entry %s: %w", e.UUID, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	dst := filepath.Join(filepath.Dir(sessionPath), newID+logExt)
	if err := os.WriteFile(dst, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("convstore: write fork: %w", err)
	}
	return newID, nil
}

// loadTree reads a session log and indexes its tree variants.
func (s *Store) loadTree(sessionID string) (*tree, error) {
	entries, err := readEntries(s.SessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	return buildTree(entries), nil
}

// readEntries parses every line of a log file, dropping malformed lines.
// Returns ErrNotFound when the file does not exist.
func readEntries(path string) ([]*convo.Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("convstore: open: %w", err)
	}
	defer f.Close()

	var entries []*convo.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := convo.ParseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	// A scanner error (e.g. truncated final line) still yields the parsed
	// prefix; callers get whatever was recoverable.
	return entries, nil
}

func reverse(entries []*convo.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
