// Package chat runs chat turns: it launches the agent CLI for one prompt,
// interprets its event stream and keeps the user's session record current.
package chat

const (
	DefaultTruncateLimit = 20 * 1024
	DefaultMaxAttempts   = 2
)

// PatternSource resolves a named prompt pattern to its body.
type PatternSource interface {
	Lookup(name string) (string, bool)
}

type Options struct {
	// Command is the agent CLI executable.
	Command      string
	DefaultModel string
	// Fallbacks maps a model to the model tried after a capacity error.
	Fallbacks    map[string]string
	DefaultTools []string
	WorkDir      string
	// IncludeDirs are passed as --include-directories; WorkDir is used
	// when empty.
	IncludeDirs []string
	Env         []string
	Yolo        bool

	// UploadDir receives oversized tool output; UploadURL is the path it
	// is served under.
	UploadDir     string
	UploadURL     string
	TruncateLimit int
	MaxAttempts   int

	Patterns PatternSource
}

func (o Options) withDefaults() Options {
	if o.Command == "" {
		o.Command = "gemini"
	}
	if o.TruncateLimit <= 0 {
		o.TruncateLimit = DefaultTruncateLimit
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.UploadURL == "" {
		o.UploadURL = "/uploads"
	}
	if len(o.IncludeDirs) == 0 && o.WorkDir != "" {
		o.IncludeDirs = []string{o.WorkDir}
	}
	return o
}

type resumeMode int

const (
	resumeAuto resumeMode = iota
	resumeNew
	resumeSession
)

// Resume picks which CLI session a turn continues.
type Resume struct {
	mode resumeMode
	id   string
}

// ResumeAuto continues the user's active session, if any.
func ResumeAuto() Resume { return Resume{mode: resumeAuto} }

// ResumeNew always starts a fresh session.
func ResumeNew() Resume { return Resume{mode: resumeNew} }

// ResumeSession continues a specific session the user owns.
func ResumeSession(id string) Resume { return Resume{mode: resumeSession, id: id} }

// Request is one chat turn.
type Request struct {
	UserID string
	Prompt string
	// Model overrides the user's and the server's default.
	Model string
	// Files are attached as @path arguments.
	Files    []string
	Resume   Resume
	PlanMode bool
	// Ephemeral turns are internal calls (patterns, prompt builder): they
	// never touch the session record, skip prompt instructions and question
	// extraction, and do not supersede the user's chat turn.
	Ephemeral bool
}
