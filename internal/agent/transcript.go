package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrTranscriptNotFound = errors.New("transcript not found")

// Transcripts locates and forks the checkpoint files the agent CLI writes
// for each conversation: JSON documents carrying "sessionId" and "messages".
type Transcripts struct {
	root string
}

func NewTranscripts(root string) *Transcripts {
	return &Transcripts{root: root}
}

// Transcript is a decoded checkpoint. Fields the server does not use are kept
// in doc and written back untouched.
type Transcript struct {
	Path      string
	SessionID string
	Messages  []json.RawMessage
	doc       map[string]json.RawMessage
}

type transcriptHead struct {
	SessionID string `json:"sessionId"`
}

// Locate returns the path of the checkpoint for id.
func (t *Transcripts) Locate(ctx context.Context, id string) (string, error) {
	var found string
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == t.root {
				return err
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var head transcriptHead
		if json.Unmarshal(data, &head) != nil || head.SessionID != id {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("search transcripts: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrTranscriptNotFound, id)
	}
	return found, nil
}

// Load reads the checkpoint for id.
func (t *Transcripts) Load(ctx context.Context, id string) (*Transcript, error) {
	path, err := t.Locate(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", path, err)
	}
	tr := &Transcript{Path: path, SessionID: id, doc: doc}
	if raw, ok := doc["messages"]; ok {
		if err := json.Unmarshal(raw, &tr.Messages); err != nil {
			return nil, fmt.Errorf("parse transcript messages: %w", err)
		}
	}
	return tr, nil
}

// Fork copies the checkpoint for id into a new file for newID, keeping
// messages [0..messageIndex] inclusive. An index past the end keeps all.
func (t *Transcripts) Fork(ctx context.Context, id, newID string, messageIndex int) (string, error) {
	if messageIndex < 0 {
		return "", fmt.Errorf("fork %s: negative message index %d", id, messageIndex)
	}
	tr, err := t.Load(ctx, id)
	if err != nil {
		return "", err
	}
	keep := tr.Messages
	if messageIndex+1 < len(keep) {
		keep = keep[:messageIndex+1]
	}

	now := time.Now().UTC()
	doc := make(map[string]json.RawMessage, len(tr.doc))
	for k, v := range tr.doc {
		doc[k] = v
	}
	set := func(key string, v any) {
		raw, _ := json.Marshal(v)
		doc[key] = raw
	}
	set("sessionId", newID)
	set("messages", keep)
	set("startTime", now.Format(time.RFC3339Nano))
	set("lastUpdated", now.Format(time.RFC3339Nano))

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	short := newID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("session-%s-%s.json", now.Format("2006-01-02T15-04"), short)
	path := filepath.Join(filepath.Dir(tr.Path), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write forked transcript: %w", err)
	}
	return path, nil
}
