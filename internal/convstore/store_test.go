package convstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// writeLog writes a session log file into dir and returns its path.
func writeLog(t *testing.T, dir, sessionID string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, sessionID+logExt)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

// userLine builds a user tree entry line.
func userLine(uuid, parent, session, text string) string {
	return fmt.Sprintf(
		`{"type":"user","uuid":%q,"parentUuid":%q,"sessionId":%q,"timestamp":"2026-08-01T10:00:00Z","message":{"role":"user","content":%q}}`,
		uuid, parent, session, text)
}

// assistantLine builds an assistant tree entry line with one text block.
func assistantLine(uuid, parent, session, text string) string {
	return fmt.Sprintf(
		`{"type":"assistant","uuid":%q,"parentUuid":%q,"sessionId":%q,"timestamp":"2026-08-01T10:00:01Z","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`,
		uuid, parent, session, text)
}

// ─── ProjectDir ──────────────────────────────────────────────────────────────

func TestProjectDir_Slug(t *testing.T) {
	t.Parallel()

	got := ProjectDir("/root/cfg", "/home/me/my proj.v2")
	want := filepath.Join("/root/cfg", "projects", "-home-me-my-proj-v2")
	if got != want {
		t.Fatalf("ProjectDir: want %q, got %q", want, got)
	}
}

// ─── Walk & tree ─────────────────────────────────────────────────────────────

func TestLoadPath_RootToLeaf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "first"),
		assistantLine("u2", "u1", "s1", "reply"),
		userLine("u3", "u2", "s1", "second"),
	)

	s := New(dir)
	path, err := s.LoadPath("s1", "u3")
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	var got []string
	for _, e := range path {
		got = append(got, e.UUID)
	}
	if strings.Join(got, ",") != "u1,u2,u3" {
		t.Fatalf("path order: %v", got)
	}
}

func TestLoadPath_DuplicateUUIDLastWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "old text"),
		userLine("u1", "", "s1", "new text"),
		assistantLine("u2", "u1", "s1", "reply"),
	)

	s := New(dir)
	path, err := s.LoadPath("s1", "u2")
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("want 2 entries, got %d", len(path))
	}
	if got := path[0].Message.Content.Text; got != "new text" {
		t.Fatalf("duplicate uuid: want last occurrence, got %q", got)
	}
}

func TestLoadPath_CycleTerminates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// u1 and u2 point at each other.
	writeLog(t, dir, "s1",
		userLine("u1", "u2", "s1", "a"),
		assistantLine("u2", "u1", "s1", "b"),
	)

	s := New(dir)
	path, err := s.LoadPath("s1", "u2")
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	seen := map[string]bool{}
	for _, e := range path {
		if seen[e.UUID] {
			t.Fatalf("uuid %s repeated in path", e.UUID)
		}
		seen[e.UUID] = true
	}
}

func TestLoadPath_ActiveLeafIsDeepest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// u1 -> u2 -> u3 (depth 3) and u1 -> u4 (depth 2).
	writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "root"),
		assistantLine("u2", "u1", "s1", "a"),
		userLine("u3", "u2", "s1", "deep"),
		assistantLine("u4", "u1", "s1", "shallow"),
	)

	s := New(dir)
	path, err := s.LoadPath("s1", "")
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	if got := path[len(path)-1].UUID; got != "u3" {
		t.Fatalf("active leaf: want u3, got %s", got)
	}
}

func TestLoadPath_NotFound(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1", userLine("u1", "", "s1", "x"))

	s := New(dir)
	if _, err := s.LoadPath("missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session: want ErrNotFound, got %v", err)
	}
	if _, err := s.LoadPath("s1", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing uuid: want ErrNotFound, got %v", err)
	}
}

// ─── LoadMessages ────────────────────────────────────────────────────────────

func TestLoadMessages_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "hello"),
		`{{{{not json`,
		assistantLine("u2", "u1", "s1", "world"),
	)

	s := New(dir)
	msgs, err := s.LoadMessages("s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestLoadMessages_EmptyLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1", "")

	s := New(dir)
	if _, err := s.LoadMessages("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty log: want ErrNotFound, got %v", err)
	}
}

// ─── List ────────────────────────────────────────────────────────────────────

func TestList_OrdersAndSkips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	older := writeLog(t, dir, "s-old",
		userLine("u1", "", "s-old", "old session"),
		assistantLine("u2", "u1", "s-old", "old reply"),
	)
	writeLog(t, dir, "s-new",
		userLine("u1", "", "s-new", "new session"),
	)
	// No user entry at all: no recoverable title, skipped.
	writeLog(t, dir, "s-untitled",
		assistantLine("u1", "", "s-untitled", "orphan reply"),
	)
	// Unparseable garbage only: skipped, but must not fail the listing.
	writeLog(t, dir, "s-garbage", "%%%", "###")

	// Force a stable ordering.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s := New(dir)
	infos, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("want 2 sessions, got %d: %+v", len(infos), infos)
	}
	if infos[0].ID != "s-new" || infos[1].ID != "s-old" {
		t.Fatalf("order: %s, %s", infos[0].ID, infos[1].ID)
	}
	if infos[1].Name != "old session" || infos[1].Summary != "old reply" {
		t.Fatalf("title/summary: %+v", infos[1])
	}
}

func TestList_ClipsTitleOnRuneBoundary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// 70 three-byte runes: the 200-byte title cap lands mid-rune.
	writeLog(t, dir, "s1", userLine("u1", "", "s1", strings.Repeat("日", 70)))

	infos, err := New(dir).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("want 1 session, got %d", len(infos))
	}
	name := infos[0].Name
	if !utf8.ValidString(name) {
		t.Fatalf("title is not valid UTF-8: %q", name)
	}
	if len(name) > 200 || len(name) == 0 {
		t.Fatalf("title length: %d bytes", len(name))
	}
}

func TestList_MissingDir(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "does-not-exist"))
	infos, err := s.List()
	if err != nil {
		t.Fatalf("List on missing dir: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("want empty list, got %d", len(infos))
	}
}

func TestScanTail_WindowDoubles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Push the user entry more than 32 KiB before the end so the first
	// window misses it and the scan must double.
	pad := assistantLine("u2", "u1", "s1", strings.Repeat("y", 48*1024))
	path := writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "needle title"),
		pad,
	)

	title, _, err := scanTail(path)
	if err != nil {
		t.Fatalf("scanTail: %v", err)
	}
	if title != "needle title" {
		t.Fatalf("title after doubling: want %q, got %q", "needle title", title)
	}
}

func TestScanTail_ClipsTitle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeLog(t, dir, "s1", userLine("u1", "", "s1", strings.Repeat("t", 500)))

	title, _, err := scanTail(path)
	if err != nil {
		t.Fatalf("scanTail: %v", err)
	}
	if len(title) != titleLimit {
		t.Fatalf("title length: want %d, got %d", titleLimit, len(title))
	}
}

// ─── Leaves ──────────────────────────────────────────────────────────────────

func TestLeaves_SortedByDepth(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "root"),
		assistantLine("u2", "u1", "s1", "deep branch"),
		userLine("u3", "u2", "s1", "deepest"),
		assistantLine("u4", "u1", "s1", "short branch"),
	)

	s := New(dir)
	leaves, err := s.Leaves("s1")
	if err != nil {
		t.Fatalf("Leaves: %v", err)
	}
	if len(leaves) != 2 {
		t.Fatalf("want 2 leaves, got %d", len(leaves))
	}
	if leaves[0].UUID != "u3" || leaves[0].Depth != 3 || !leaves[0].IsActive {
		t.Fatalf("deepest leaf: %+v", leaves[0])
	}
	if leaves[1].UUID != "u4" || leaves[1].IsActive {
		t.Fatalf("shallow leaf: %+v", leaves[1])
	}
	if leaves[0].Preview == "" {
		t.Fatal("leaf preview empty")
	}
}

// ─── Fork ────────────────────────────────────────────────────────────────────

func TestFork_CopiesPathWithRewrittenSession(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "root"),
		assistantLine("u2", "u1", "s1", "mid"),
		userLine("u3", "u2", "s1", "leaf"),
		assistantLine("u4", "u1", "s1", "other branch"),
	)
	origBytes, _ := os.ReadFile(src)

	s := New(dir)
	newID, err := s.Fork(src, "u3")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// Original untouched.
	afterBytes, _ := os.ReadFile(src)
	if string(origBytes) != string(afterBytes) {
		t.Fatal("fork mutated the original log")
	}

	path, err := s.LoadPath(newID, "")
	if err != nil {
		t.Fatalf("LoadPath on fork: %v", err)
	}
	var uuids []string
	for _, e := range path {
		uuids = append(uuids, e.UUID)
		if e.SessionID != newID {
			t.Fatalf("entry %s sessionId not rewritten: %q", e.UUID, e.SessionID)
		}
	}
	if strings.Join(uuids, ",") != "u1,u2,u3" {
		t.Fatalf("fork path: %v", uuids)
	}

	// The new file leads with a queue-operation record.
	forked, _ := os.ReadFile(filepath.Join(dir, newID+logExt))
	first := strings.SplitN(string(forked), "\n", 2)[0]
	if !strings.Contains(first, `"queue-operation"`) || !strings.Contains(first, `"dequeue"`) {
		t.Fatalf("first record is not a dequeue queue-operation: %s", first)
	}
}

func TestFork_TwiceIsIndependent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeLog(t, dir, "s1",
		userLine("u1", "", "s1", "root"),
		assistantLine("u2", "u1", "s1", "leaf"),
	)

	s := New(dir)
	id1, err := s.Fork(src, "u2")
	if err != nil {
		t.Fatalf("first Fork: %v", err)
	}
	id2, err := s.Fork(src, "u2")
	if err != nil {
		t.Fatalf("second Fork: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("fork ids collide: %s", id1)
	}

	p1, err := s.LoadPath(id1, "")
	if err != nil {
		t.Fatalf("LoadPath fork1: %v", err)
	}
	p2, err := s.LoadPath(id2, "")
	if err != nil {
		t.Fatalf("LoadPath fork2: %v", err)
	}
	if len(p1) != len(p2) || len(p1) != 2 {
		t.Fatalf("fork path lengths: %d vs %d", len(p1), len(p2))
	}
	for i := range p1 {
		if p1[i].UUID != p2[i].UUID {
			t.Fatalf("fork content diverges at %d: %s vs %s", i, p1[i].UUID, p2[i].UUID)
		}
	}
}

func TestFork_MissingLeaf(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := writeLog(t, dir, "s1", userLine("u1", "", "s1", "root"))

	s := New(dir)
	if _, err := s.Fork(src, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
