// Package pattern serves reusable prompt patterns: files in a prompts
// directory and a JSON dictionary of named patterns.
package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// explanationsKey holds per-pattern descriptions in the dictionary file.
const explanationsKey = "__explanations__"

const (
	SourceFile       = "file"
	SourceDictionary = "dictionary"
)

// Info describes one available pattern.
type Info struct {
	Name        string   `json:"name"`
	Source      string   `json:"source"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Library resolves pattern names. Files under promptsDir are read on every
// lookup; the dictionary is cached and reloaded by Reload or Watch.
type Library struct {
	promptsDir string
	dictPath   string
	log        *slog.Logger

	mu           sync.RWMutex
	patterns     map[string]string
	explanations map[string]string
}

func Open(promptsDir, dictPath string, log *slog.Logger) (*Library, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Library{
		promptsDir: promptsDir,
		dictPath:   dictPath,
		log:        log.With(slog.String("component", "pattern")),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the dictionary file. A missing file is an empty
// dictionary.
func (l *Library) Reload() error {
	patterns := map[string]string{}
	explanations := map[string]string{}
	if l.dictPath != "" {
		data, err := os.ReadFile(l.dictPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return fmt.Errorf("read patterns: %w", err)
		default:
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(data, &raw); err != nil {
				return fmt.Errorf("parse patterns %s: %w", l.dictPath, err)
			}
			for k, v := range raw {
				if k == explanationsKey {
					var ex map[string]string
					if err := json.Unmarshal(v, &ex); err != nil {
						return fmt.Errorf("parse %s: %w", explanationsKey, err)
					}
					for name, text := range ex {
						explanations[normalizeName(name)] = text
					}
					continue
				}
				var body string
				if err := json.Unmarshal(v, &body); err != nil {
					l.log.Warn("skip non-string pattern", "name", k)
					continue
				}
				patterns[normalizeName(k)] = body
			}
		}
	}
	l.mu.Lock()
	l.patterns = patterns
	l.explanations = explanations
	l.mu.Unlock()
	return nil
}

// normalizeName drops surrounding space and a trailing colon.
func normalizeName(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ":")
}

// Lookup returns the body of a pattern: a file of that exact name in the
// prompts directory first, then the dictionary.
func (l *Library) Lookup(name string) (string, bool) {
	if body, ok := l.fromFile(name); ok {
		return body, true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	body, ok := l.patterns[normalizeName(name)]
	return body, ok
}

func (l *Library) fromFile(name string) (string, bool) {
	if l.promptsDir == "" || !validFileName(name) {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(l.promptsDir, name))
	if err != nil {
		return "", false
	}
	_, body, err := parsePromptFile(string(data))
	if err != nil {
		l.log.Warn("bad prompt file", "name", name, "err", err)
		return "", false
	}
	return body, body != ""
}

// validFileName accepts plain names only; no separators or dot entries.
func validFileName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// List returns every pattern, files first when a name exists in both.
func (l *Library) List() []Info {
	seen := map[string]bool{}
	var out []Info
	if l.promptsDir != "" {
		entries, err := os.ReadDir(l.promptsDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("list prompts", "dir", l.promptsDir, "err", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(l.promptsDir, e.Name()))
			if err != nil {
				continue
			}
			meta, _, err := parsePromptFile(string(data))
			if err != nil {
				continue
			}
			seen[e.Name()] = true
			out = append(out, Info{Name: e.Name(), Source: SourceFile, Description: meta.Description, Tags: meta.Tags})
		}
	}
	l.mu.RLock()
	for name := range l.patterns {
		if seen[name] {
			continue
		}
		out = append(out, Info{Name: name, Source: SourceDictionary, Description: l.explanations[name]})
	}
	l.mu.RUnlock()
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Watch reloads the dictionary whenever its file changes, until ctx ends.
func (l *Library) Watch(ctx context.Context) error {
	if l.dictPath == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch patterns: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := w.Add(filepath.Dir(l.dictPath)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.dictPath), err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(l.dictPath) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := l.Reload(); err != nil {
					l.log.Warn("reload patterns", "err", err)
					continue
				}
				l.log.Info("patterns reloaded", "path", l.dictPath)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Debug("fsnotify error", "err", err)
			}
		}
	}()
	return nil
}
