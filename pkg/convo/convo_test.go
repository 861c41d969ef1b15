package convo_test

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/reduck-ai/reduck/pkg/convo"
)

// ─── ContentBlock round-trips ────────────────────────────────────────────────

func TestContentBlock_RoundTrip(t *testing.T) {
	t.Parallel()

	blocks := []convo.ContentBlock{
		{Type: convo.BlockText, Text: "hello"},
		{Type: convo.BlockThinking, Thinking: "hmm", Signature: "sig"},
		{Type: convo.BlockToolUse, ID: "tu_1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
		{Type: convo.BlockToolResult, ToolUseID: "tu_1", Content: json.RawMessage(`"ok"`)},
		{Type: convo.BlockImage, Source: &convo.ImageSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
	}

	for _, b := range blocks {
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal %s: %v", b.Type, err)
		}
		var back convo.ContentBlock
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", b.Type, err)
		}
		again, err := json.Marshal(back)
		if err != nil {
			t.Fatalf("re-marshal %s: %v", b.Type, err)
		}
		if string(data) != string(again) {
			t.Fatalf("%s: round-trip mismatch:\n%s\n%s", b.Type, data, again)
		}
	}
}

func TestContentBlock_NullFieldsDropped(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(convo.ContentBlock{Type: convo.BlockText, Text: "hi"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, forbidden := range []string{"id", "name", "input", "tool_use_id", "source", "thinking"} {
		if strings.Contains(string(data), `"`+forbidden+`"`) {
			t.Fatalf("text block encoding leaks %q: %s", forbidden, data)
		}
	}
}

func TestContentBlock_ResultText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"plain result"`, "plain result"},
		{"list", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"list with non-text", `[{"type":"image"},{"type":"text","text":"x"}]`, "x"},
		{"garbage", `12.5`, ""},
		{"empty", ``, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := convo.ContentBlock{Type: convo.BlockToolResult}
			if tc.content != "" {
				b.Content = json.RawMessage(tc.content)
			}
			if got := b.ResultText(); got != tc.want {
				t.Fatalf("ResultText: want %q, got %q", tc.want, got)
			}
		})
	}
}

// ─── MessageContent ──────────────────────────────────────────────────────────

func TestMessageContent_StringForm(t *testing.T) {
	t.Parallel()

	var m convo.Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"say hi"}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !m.Content.IsText() || m.Content.Text != "say hi" {
		t.Fatalf("want raw string content, got %+v", m.Content)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"content":"say hi"`) {
		t.Fatalf("string content not preserved: %s", out)
	}
}

func TestMessageContent_BlockForm(t *testing.T) {
	t.Parallel()

	raw := `{"role":"assistant","content":[{"type":"text","text":"Hi"},{"type":"tool_use","id":"t1","name":"Read","input":{}}]}`
	var m convo.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Content.IsText() {
		t.Fatal("want block content, got raw string")
	}
	if len(m.Content.Blocks) != 2 || m.Content.Blocks[1].Name != "Read" {
		t.Fatalf("blocks not decoded: %+v", m.Content.Blocks)
	}
	if got := m.Content.PlainText(); got != "Hi" {
		t.Fatalf("PlainText: want %q, got %q", "Hi", got)
	}
}

func TestMessageContent_RejectsOtherShapes(t *testing.T) {
	t.Parallel()

	var c convo.MessageContent
	if err := json.Unmarshal([]byte(`42`), &c); err == nil {
		t.Fatal("want error for numeric content")
	}
}

// ─── Entry parsing ───────────────────────────────────────────────────────────

func TestParseEntry_TreeVariant(t *testing.T) {
	t.Parallel()

	line := `{"type":"user","uuid":"u1","parentUuid":"u0","sessionId":"s1",` +
		`"timestamp":"2026-08-01T10:00:00.000Z","cwd":"/tmp/p",` +
		`"message":{"role":"user","content":"hello"}}`

	e, err := convo.ParseEntry([]byte(line))
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if e.Type != convo.EntryUser || e.UUID != "u1" || e.ParentUUID != "u0" || e.SessionID != "s1" {
		t.Fatalf("fields not decoded: %+v", e)
	}
	if !e.IsTreeVariant() {
		t.Fatal("user entry must be a tree variant")
	}
	if e.Message == nil || e.Message.Content.Text != "hello" {
		t.Fatalf("message not decoded: %+v", e.Message)
	}
	if e.Message.UUID != "u1" {
		t.Fatalf("message uuid: want u1, got %q", e.Message.UUID)
	}
	if e.Timestamp.IsZero() {
		t.Fatal("timestamp not decoded")
	}
}

func TestParseEntry_UnknownVariantRetained(t *testing.T) {
	t.Parallel()

	line := `{"type":"file-history-snapshot","snapshot":{"x":1}}`
	e, err := convo.ParseEntry([]byte(line))
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if e.IsTreeVariant() {
		t.Fatal("unknown variant must not be a tree variant")
	}
	if string(e.Raw) != line {
		t.Fatalf("raw record not retained verbatim: %s", e.Raw)
	}
}

func TestParseEntry_RejectsNonJSON(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"not json", `"a string"`, `[1,2]`, ""} {
		if _, err := convo.ParseEntry([]byte(bad)); err == nil {
			t.Fatalf("want error for %q", bad)
		}
	}
}

func TestEntry_WithSessionID_PreservesExtraFields(t *testing.T) {
	t.Parallel()

	line := `{"type":"assistant","uuid":"a1","parentUuid":"u1","sessionId":"old",` +
		`"gitBranch":"main","requestId":"req_9","message":{"role":"assistant","content":[]}}`
	e, err := convo.ParseEntry([]byte(line))
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}

	out, err := e.WithSessionID("new")
	if err != nil {
		t.Fatalf("WithSessionID: %v", err)
	}

	back, err := convo.ParseEntry(out)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if back.SessionID != "new" {
		t.Fatalf("sessionId not rewritten: %q", back.SessionID)
	}
	for _, keep := range []string{`"gitBranch":"main"`, `"requestId":"req_9"`} {
		if !strings.Contains(string(out), keep) {
			t.Fatalf("extra field lost after rewrite: %s missing from %s", keep, out)
		}
	}
}

// ─── Previews ────────────────────────────────────────────────────────────────

func TestPreview_TextAndTags(t *testing.T) {
	t.Parallel()

	m := convo.AssistantMessage(
		convo.ContentBlock{Type: convo.BlockThinking, Thinking: "…"},
		convo.ContentBlock{Type: convo.BlockText, Text: "Sure, writing the file now."},
		convo.ContentBlock{Type: convo.BlockToolUse, ID: "t1", Name: "Write"},
		convo.ContentBlock{Type: convo.BlockToolResult, ToolUseID: "t1"},
	)

	got := convo.Preview(&m)
	want := "[think] Sure, writing the file now. [tool:Write] [result]"
	if got != want {
		t.Fatalf("Preview:\nwant %q\ngot  %q", want, got)
	}
}

func TestPreview_Caps(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 500)
	m := convo.UserMessage(long)
	if got := convo.Preview(&m); len(got) > 100 {
		t.Fatalf("preview exceeds cap: %d chars", len(got))
	}

	blockMsg := convo.AssistantMessage(convo.ContentBlock{Type: convo.BlockText, Text: long})
	if got := convo.Preview(&blockMsg); len(got) > 100 {
		t.Fatalf("block preview exceeds cap: %d chars", len(got))
	}
}

func TestPreview_CutsOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// The cap lands mid-rune: the cut must back off instead of tearing the
	// character.
	m := convo.UserMessage(strings.Repeat("x", 99) + strings.Repeat("日", 5))
	got := convo.Preview(&m)
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if len(got) > 100 {
		t.Fatalf("preview exceeds cap: %d bytes", len(got))
	}

	blockMsg := convo.AssistantMessage(convo.ContentBlock{
		Type: convo.BlockText,
		Text: strings.Repeat("x", 59) + "日本語",
	})
	if got := convo.Preview(&blockMsg); !utf8.ValidString(got) {
		t.Fatalf("block preview is not valid UTF-8: %q", got)
	}
}

func TestPreview_Nil(t *testing.T) {
	t.Parallel()

	if got := convo.Preview(nil); got != "" {
		t.Fatalf("nil message preview: want empty, got %q", got)
	}
}
