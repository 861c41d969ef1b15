package convo

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// previewLimit caps the final preview string.
	previewLimit = 100

	// textBlockLimit caps the contribution of a single text block.
	textBlockLimit = 60
)

// Preview builds a short human-readable summary of a message for leaf
// listings. Text blocks contribute up to 60 characters of their text;
// other block kinds contribute a bracketed tag. The result is capped at
// 100 characters.
func Preview(m *Message) string {
	if m == nil {
		return ""
	}

	var sb strings.Builder
	if m.Content.IsText() {
		sb.WriteString(truncate(m.Content.Text, previewLimit))
		return truncate(strings.TrimSpace(sb.String()), previewLimit)
	}

	for _, b := range m.Content.Blocks {
		if sb.Len() >= previewLimit {
			break
		}
		switch b.Type {
		case BlockText:
			sb.WriteString(truncate(b.Text, textBlockLimit))
		case BlockThinking:
			sb.WriteString("[think]")
		case BlockToolUse:
			fmt.Fprintf(&sb, "[tool:%s]", b.Name)
		case BlockToolResult:
			sb.WriteString("[result]")
		}
		sb.WriteString(" ")
	}
	return truncate(strings.TrimSpace(sb.String()), previewLimit)
}

// truncate shortens s to at most n bytes, collapsing newlines so previews
// stay single-line. The cut backs off to a rune boundary so multi-byte
// text never yields invalid UTF-8.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
