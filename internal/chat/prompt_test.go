package chat

import (
	"strings"
	"testing"
)

func TestAutoTitle(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"plain", "Explain goroutines", "Explain goroutines"},
		{"strips instructions", withInstructions("Fix the parser", true), "Fix the parser"},
		{"strips attachments", "Summarize @/uploads/abc_report.pdf please", "Summarize please"},
		{"strips absolute paths", "Read /home/me/notes.txt now", "Read now"},
		{"empty after stripping", "@/uploads/a.png", "New Conversation"},
		{"whitespace only", "   \n\t ", "New Conversation"},
		{"collapses whitespace", "a\n\n  b", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AutoTitle(tt.prompt); got != tt.want {
				t.Errorf("AutoTitle(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestAutoTitleTruncatesRunes(t *testing.T) {
	got := AutoTitle(strings.Repeat("é", 60))
	if got != strings.Repeat("é", 50)+"..." {
		t.Errorf("title = %q", got)
	}
}

func TestWithInstructions(t *testing.T) {
	on := withInstructions("hi", true)
	if !strings.Contains(on, `"type": "question"`) || !strings.HasSuffix(on, "\n\nhi") {
		t.Errorf("interactive prompt = %q", on)
	}
	off := withInstructions("hi", false)
	if strings.Contains(off, `"type": "question"`) {
		t.Error("non-interactive prompt should not describe the question format")
	}
	if !strings.HasPrefix(off, instructionOpen) || !strings.Contains(off, instructionClose) {
		t.Errorf("prompt = %q, want instruction block", off)
	}
}
