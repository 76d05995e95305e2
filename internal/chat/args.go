package chat

import "strings"

type invocation struct {
	model       string
	tools       []string
	planMode    bool
	yolo        bool
	resume      string
	includeDirs []string
	files       []string
}

// args renders the CLI flags for one attempt. An empty tool list is passed
// as "none" so the CLI does not fall back to its own defaults.
func (inv invocation) args() []string {
	tools := "none"
	if len(inv.tools) > 0 {
		tools = strings.Join(inv.tools, ",")
	}
	mode := "default"
	if inv.planMode {
		mode = "plan"
	}
	args := []string{
		"--output-format", "stream-json",
		"--allowed-tools", tools,
		"--approval-mode", mode,
	}
	if inv.yolo && !inv.planMode {
		args = append(args, "--yolo")
	}
	if inv.resume != "" {
		args = append(args, "--resume", inv.resume)
	}
	if inv.model != "" {
		args = append(args, "--model", inv.model)
	}
	if len(inv.includeDirs) > 0 {
		args = append(args, "--include-directories", strings.Join(inv.includeDirs, ","))
	}
	for _, f := range inv.files {
		args = append(args, "@"+f)
	}
	return args
}
