package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrlich-b/clichat/internal/protocol"
)

// GenerateResponse runs a turn to completion and returns its text: assistant
// messages concatenated, errors as "[Error: ...]" and raw lines each
// followed by a newline.
func (o *Orchestrator) GenerateResponse(ctx context.Context, req Request) string {
	s := o.GenerateResponseStream(ctx, req)
	defer s.Close()

	var b strings.Builder
	for {
		ev, ok := s.Next()
		if !ok {
			break
		}
		switch e := ev.(type) {
		case protocol.Message:
			if e.Role == "assistant" {
				b.WriteString(e.Content)
			}
		case protocol.Error:
			fmt.Fprintf(&b, "[Error: %s]", e.Message)
		case protocol.Raw:
			b.WriteString(e.Content)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String())
}

// ApplyPattern runs a named pattern over input in a throwaway session.
// Unknown patterns produce an error string rather than an error.
func (o *Orchestrator) ApplyPattern(ctx context.Context, user, name, input, model string) string {
	var body string
	ok := false
	if o.opts.Patterns != nil {
		body, ok = o.opts.Patterns.Lookup(name)
	}
	if !ok {
		return fmt.Sprintf("Error: Pattern '%s' not found.", name)
	}
	return o.GenerateResponse(ctx, Request{
		UserID:    user,
		Prompt:    body + "\n\nUSER INPUT:\n" + input,
		Model:     model,
		Resume:    ResumeNew(),
		Ephemeral: true,
	})
}
