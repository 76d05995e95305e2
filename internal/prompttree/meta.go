package prompttree

import (
	"encoding/json"
	"fmt"
	"strings"
)

type generated struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

var fallbackQuestion = generated{
	Question: "What else should the prompt cover?",
	Options:  []string{"More detail on the goal", "Constraints or limits", "Output format", "Nothing else"},
}

func transcript(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", s.Goal)
	for i, n := range s.Nodes {
		fmt.Fprintf(&b, "Q%d: %s\n", i+1, n.Question)
		if n.Answered {
			fmt.Fprintf(&b, "A%d: %s\n", i+1, n.Answer)
		} else {
			fmt.Fprintf(&b, "A%d: (unanswered)\n", i+1)
		}
	}
	return b.String()
}

func nextQuestionPrompt(s *Session) string {
	return `You are helping a user write a precise prompt for an AI assistant by asking one question at a time.

` + transcript(s) + `
Ask the single most useful next question. Reply with only a JSON object:
{"question": "<question>", "options": ["<short answer>", "<short answer>", "<short answer>"]}`
}

func synthesisPrompt(s *Session) string {
	return `Write a single, self-contained prompt for an AI assistant from the user's goal and answers below. Reply with the prompt text only, no preamble.

` + transcript(s)
}

// parseQuestion reads the first JSON object in reply. Code fences and
// surrounding prose are ignored.
func parseQuestion(reply string) (generated, bool) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return generated{}, false
	}
	var g generated
	if err := json.Unmarshal([]byte(reply[start:end+1]), &g); err != nil {
		return generated{}, false
	}
	g.Question = strings.TrimSpace(g.Question)
	if g.Question == "" {
		return generated{}, false
	}
	return g, true
}
