package convstore

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// tailStart is the initial tail window for the title scan.
	tailStart = 32 * 1024

	// tailMax caps the tail window; a session whose first user entry sits
	// beyond this prefix simply has no recoverable title.
	tailMax = 256 * 1024

	titleLimit   = 200
	summaryLimit = 300
)

// scanTail extracts a session title (first user text, up to 200 chars) and
// summary (first assistant text, up to 300 chars) by reading the file's
// tail. The window starts at 32 KiB and doubles up to 256 KiB until a
// title is found or the whole file is covered. This keeps listings fast on
// multi-megabyte logs where the interesting entries are near the start of
// the final fork's copied path.
func scanTail(path string) (title, summary string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", fmt.Errorf("convstore: open: %w", err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", "", fmt.Errorf("convstore: seek: %w", err)
	}

	for window := int64(tailStart); ; window *= 2 {
		if window > tailMax {
			window = tailMax
		}
		covered := window >= size
		if covered {
			window = size
		}

		buf := make([]byte, window)
		if _, err := f.ReadAt(buf, size-window); err != nil && err != io.EOF {
			return "", "", fmt.Errorf("convstore: read tail: %w", err)
		}

		lines := strings.Split(string(buf), "\n")
		if !covered && len(lines) > 0 {
			// The window almost certainly starts mid-line; drop the partial.
			lines = lines[1:]
		}

		title, summary = scanLines(lines)
		if title != "" || covered || window == tailMax {
			return title, summary, nil
		}
	}
}

// scanLines finds the first user text and first assistant text among the
// given JSONL lines. Malformed lines are skipped.
func scanLines(lines []string) (title, summary string) {
	for _, line := range lines {
		if title != "" && summary != "" {
			break
		}
		if !gjson.Valid(line) {
			continue
		}
		root := gjson.Parse(line)
		typ := root.Get("type").String()
		if typ != "user" && typ != "assistant" {
			continue
		}

		text := contentText(root.Get("message.content"))
		if text == "" {
			continue
		}
		switch typ {
		case "user":
			if title == "" {
				title = clip(text, titleLimit)
			}
		case "assistant":
			if summary == "" {
				summary = clip(text, summaryLimit)
			}
		}
	}
	return title, summary
}

// contentText renders a message content value — raw string or block list —
// as plain text, taking text blocks only.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return strings.TrimSpace(content.String())
	}
	if !content.IsArray() {
		return ""
	}
	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return strings.TrimSpace(sb.String())
}

// clip caps s at n bytes, backing off to a rune boundary so non-ASCII
// titles never end in a torn character.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
