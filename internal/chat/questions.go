package chat

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ehrlich-b/clichat/internal/protocol"
)

const (
	maxFragment = 64 * 1024
	fence       = "```"
)

// questionSchema recognises the start of a question object even when it is
// incomplete.
var questionSchema = regexp.MustCompile(`"type"\s*:\s*"question"`)

// QuestionExtractor pulls question objects out of streamed assistant text.
// Feed returns the text that is safe to show and any complete questions.
// Text that might be the start of a question (a '{' followed by a quote, or
// a json/bare code fence) is held back until it can be decided, so partial
// JSON never reaches the client. Held text above maxFragment is released.
type QuestionExtractor struct {
	pending string
	// inFence is set once an oversized fenced block has been released; text
	// up to its closing fence passes through unexamined.
	inFence bool
}

func (x *QuestionExtractor) Feed(chunk string) (string, []protocol.Question) {
	text := x.pending + chunk
	x.pending = ""

	var out strings.Builder
	var questions []protocol.Question
	i := 0
	for i < len(text) {
		if x.inFence {
			closeAt := strings.Index(text[i:], fence)
			if closeAt < 0 {
				rest := text[i:]
				keep := trailingTicks(rest)
				out.WriteString(rest[:len(rest)-keep])
				x.pending = rest[len(rest)-keep:]
				return out.String(), questions
			}
			end := i + closeAt + len(fence)
			out.WriteString(text[i:end])
			x.inFence = false
			i = end
			continue
		}

		brace := strings.IndexByte(text[i:], '{')
		tick := strings.Index(text[i:], fence)
		if brace < 0 && tick < 0 {
			rest := text[i:]
			keep := trailingTicks(rest)
			out.WriteString(rest[:len(rest)-keep])
			x.pending = rest[len(rest)-keep:]
			return out.String(), questions
		}

		var start int
		isFence := tick >= 0 && (brace < 0 || tick < brace)
		if isFence {
			start = i + tick
		} else {
			start = i + brace
		}
		out.WriteString(text[i:start])

		var (
			end  int
			q    *protocol.Question
			hold bool
		)
		if isFence {
			end, q, hold = scanFence(text, start)
		} else {
			end, q, hold = scanObject(text, start)
		}
		if hold {
			if len(text)-start > maxFragment {
				rest := text[start:]
				keep := 0
				if isFence {
					x.inFence = true
					keep = trailingTicks(rest)
				}
				out.WriteString(rest[:len(rest)-keep])
				x.pending = rest[len(rest)-keep:]
				return out.String(), questions
			}
			x.pending = text[start:]
			return out.String(), questions
		}
		if q != nil {
			questions = append(questions, *q)
		} else {
			out.WriteString(text[start:end])
		}
		i = end
	}
	return out.String(), questions
}

// Flush releases held text at the end of a message. An incomplete fragment
// that looks like a question is dropped; anything else is shown.
func (x *QuestionExtractor) Flush() (string, []protocol.Question) {
	p := x.pending
	x.pending = ""
	inFence := x.inFence
	x.inFence = false
	if p == "" || inFence {
		return p, nil
	}
	if strings.HasPrefix(p, fence) {
		if bodyStart, _, ok := fenceBody(p, 0); ok {
			body := strings.TrimSpace(strings.TrimRight(p[bodyStart:], "`"))
			if q, ok := parseQuestion(body); ok {
				return "", []protocol.Question{q}
			}
		}
	}
	if questionSchema.MatchString(p) {
		return "", nil
	}
	return p, nil
}

// scanObject examines the '{' at start. It returns the end of the span it
// consumed, the question if the span was one, or hold when more input is
// needed.
func scanObject(text string, start int) (int, *protocol.Question, bool) {
	j := start + 1
	for j < len(text) && isSpace(text[j]) {
		j++
	}
	if j == len(text) {
		return 0, nil, true
	}
	if text[j] != '"' && text[j] != '}' {
		// Not JSON an agent would emit; show the brace and move on.
		return start + 1, nil, false
	}
	end := matchBrace(text, start)
	if end < 0 {
		return 0, nil, true
	}
	if q, ok := parseQuestion(text[start:end]); ok {
		return end, &q, false
	}
	return end, nil, false
}

// scanFence examines the fence opener at start. A fenced block is held until
// its closing fence arrives; only bare and json fences can hold a question.
func scanFence(text string, start int) (int, *protocol.Question, bool) {
	bodyStart, lang, ok := fenceBody(text, start)
	if !ok {
		return 0, nil, true
	}
	closeAt := strings.Index(text[bodyStart:], fence)
	if closeAt < 0 {
		return 0, nil, true
	}
	closeAt += bodyStart
	end := closeAt + len(fence)
	if lang != "" && !strings.EqualFold(lang, "json") {
		return end, nil, false
	}
	if q, ok := parseQuestion(strings.TrimSpace(text[bodyStart:closeAt])); ok {
		if end < len(text) && text[end] == '\n' {
			end++
		}
		return end, &q, false
	}
	return end, nil, false
}

// fenceBody finds where the body of the fence opened at start begins and the
// fence's language tag. A '{' on the opener's line starts an inline body
// with no tag. ok is false until the opener line is complete.
func fenceBody(text string, start int) (bodyStart int, lang string, ok bool) {
	j := start + len(fence)
	for j < len(text) && (text[j] == ' ' || text[j] == '\t') {
		j++
	}
	if j < len(text) && text[j] == '{' {
		return j, "", true
	}
	nl := strings.IndexByte(text[j:], '\n')
	if nl < 0 {
		return 0, "", false
	}
	return j + nl + 1, strings.TrimSpace(text[j : j+nl]), true
}

// trailingTicks counts the backticks (at most two) ending s; they may be
// the start of a fence split across chunks.
func trailingTicks(s string) int {
	n := 0
	for n < 2 && n < len(s) && s[len(s)-1-n] == '`' {
		n++
	}
	return n
}

// matchBrace returns the index just past the '}' closing the object at
// start, or -1 if the object is not complete. Braces inside JSON strings do
// not count.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func parseQuestion(s string) (protocol.Question, bool) {
	var v struct {
		Type string `json:"type"`
		protocol.Question
	}
	if !strings.HasPrefix(s, "{") || json.Unmarshal([]byte(s), &v) != nil {
		return protocol.Question{}, false
	}
	if v.Type != "question" || strings.TrimSpace(v.Question.Question) == "" {
		return protocol.Question{}, false
	}
	return v.Question, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
