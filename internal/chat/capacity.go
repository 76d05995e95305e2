package chat

import "strings"

// capacityKeywords mark a model as unavailable. They match anywhere in an
// event, tool output included.
var capacityKeywords = []string{
	"rate limit",
	"ratelimit",
	"quota",
	"capacity",
	"429",
	"not found",
	"404",
	"resource_exhausted",
}

// IsCapacityError reports whether s mentions any capacity keyword,
// case-insensitively.
func IsCapacityError(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range capacityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// fallbackFor returns the model to switch to, or "" when no switch is
// allowed: no mapping, attempts used up, or the target was already tried.
func (o *Orchestrator) fallbackFor(model string, attempt int, tried map[string]bool) string {
	if attempt >= o.opts.MaxAttempts {
		return ""
	}
	to := o.opts.Fallbacks[model]
	if to == "" || tried[to] {
		return ""
	}
	return to
}
