package chat

import (
	"regexp"
	"strings"
)

const (
	instructionOpen  = "[SYSTEM INSTRUCTION]"
	instructionClose = "[END SYSTEM INSTRUCTION]"

	defaultTitle  = "New Conversation"
	titleMaxRunes = 50
)

const questionInstruction = `You are running inside a web chat that can render interactive choice cards.
When you need the user to pick between options before continuing, output a single JSON object on its own, optionally inside a json code fence, with exactly this shape:
{"type": "question", "question": "<what you are asking>", "options": ["<option>", "<option>"], "allow_multiple": false}
Options may also be objects of the form {"label": "<short label>", "description": "<one line>"}.
Ask at most one question per reply and stop after the JSON object; the user's choice arrives as the next message.`

const noQuestionInstruction = `Do not emit JSON question objects or choice cards. Ask any clarifying questions in plain prose.`

// withInstructions prefixes the user's prompt with the interactive-mode
// instruction block.
func withInstructions(prompt string, interactive bool) string {
	body := noQuestionInstruction
	if interactive {
		body = questionInstruction
	}
	return instructionOpen + "\n" + body + "\n" + instructionClose + "\n\n" + prompt
}

var (
	instructionBlock = regexp.MustCompile(`(?s)\[SYSTEM INSTRUCTION[^\]]*\].*?\[END SYSTEM INSTRUCTION\]`)
	// @path attachments and absolute paths with at least two segments.
	pathToken = regexp.MustCompile(`(?:^|\s)(?:@\S+|/[^\s/]+/\S+)`)
)

// AutoTitle derives a session title from the first prompt of a turn.
func AutoTitle(prompt string) string {
	s := instructionBlock.ReplaceAllString(prompt, " ")
	s = pathToken.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return defaultTitle
	}
	r := []rune(s)
	if len(r) > titleMaxRunes {
		return strings.TrimSpace(string(r[:titleMaxRunes])) + "..."
	}
	return s
}
