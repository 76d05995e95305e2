package chat

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehrlich-b/clichat/internal/metrics"
	"github.com/ehrlich-b/clichat/internal/protocol"
)

const (
	truncatedSuffix = "\n\n[Output truncated...]"
	unsavedSuffix   = "\n[Full output could not be saved]"
)

// truncator moves oversized tool output to a file under dir and leaves a
// prefix plus a link in the event.
type truncator struct {
	dir    string
	urlDir string
	limit  int
	log    *slog.Logger
}

func (t *truncator) apply(ev protocol.ToolResult) protocol.ToolResult {
	if len(ev.Output) <= t.limit {
		return ev
	}
	full := ev.Output
	ev.Output = utf8Prefix(full, t.limit) + truncatedSuffix
	metrics.Truncation()

	name := fmt.Sprintf("tool_output_%s.txt", uuid.NewString())
	if err := t.save(name, full); err != nil {
		t.log.Warn("save full tool output", "tool_id", ev.ToolID, "err", err)
		ev.Output += unsavedSuffix
		ev.FullOutputPath = ""
		return ev
	}
	ev.FullOutputPath = path.Join(t.urlDir, name)
	return ev
}

func (t *truncator) save(name, content string) error {
	if t.dir == "" {
		return fmt.Errorf("no upload directory configured")
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.dir, name), []byte(content), 0o644)
}

// utf8Prefix returns at most n bytes of s without splitting a rune.
func utf8Prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
