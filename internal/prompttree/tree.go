// Package prompttree runs the guided prompt builder: an in-memory list of
// questions and answers per session, extended by asking the agent for the
// next question and finally turned into a single prompt.
package prompttree

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/clichat/internal/chat"
)

var (
	ErrNotFound     = errors.New("prompt tree not found")
	ErrNodeNotFound = errors.New("question not found")
	// ErrTreeChanged is returned when the tree was edited while the agent
	// was producing a question for it.
	ErrTreeChanged = errors.New("prompt tree changed during generation")
)

// Responder produces a complete reply for a request.
type Responder interface {
	GenerateResponse(ctx context.Context, req chat.Request) string
}

type Node struct {
	ID       string   `json:"id"`
	Parent   string   `json:"parent,omitempty"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Answer   string   `json:"answer,omitempty"`
	Answered bool     `json:"answered"`
}

type Session struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Goal    string    `json:"goal"`
	Nodes   []Node    `json:"nodes"`
	Current string    `json:"current,omitempty"`
	Created time.Time `json:"created"`

	// rev counts edits; generation checks it did not move.
	rev uint64
}

func (s *Session) clone() *Session {
	c := *s
	c.Nodes = slices.Clone(s.Nodes)
	for i := range c.Nodes {
		c.Nodes[i].Options = slices.Clone(c.Nodes[i].Options)
	}
	return &c
}

func (s *Session) index(nodeID string) int {
	return slices.IndexFunc(s.Nodes, func(n Node) bool { return n.ID == nodeID })
}

// Service holds every prompt tree in memory. Trees are not persisted.
type Service struct {
	llm   Responder
	model string

	mu       sync.Mutex
	sessions map[string]*Session
	newID    func() string
}

func New(llm Responder, model string) *Service {
	return &Service{llm: llm, model: model, sessions: map[string]*Session{}, newID: uuid.NewString}
}

func (s *Service) CreateSession(user, goal string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &Session{ID: s.newID(), UserID: user, Goal: strings.TrimSpace(goal), Nodes: []Node{}, Created: time.Now().UTC()}
	s.sessions[sess.ID] = sess
	return sess.clone()
}

// Get returns a snapshot of the tree.
func (s *Service) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.clone(), nil
}

func (s *Service) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// AddQuestion appends a question under parent, or under the current node
// when parent is empty, and makes it current.
func (s *Service) AddQuestion(id, question string, options []string, parent string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return s.addLocked(sess, question, options, parent)
}

func (s *Service) addLocked(sess *Session, question string, options []string, parent string) (Node, error) {
	if parent == "" {
		parent = sess.Current
	} else if sess.index(parent) < 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, parent)
	}
	n := Node{ID: s.newID(), Parent: parent, Question: question, Options: slices.Clone(options)}
	sess.Nodes = append(sess.Nodes, n)
	sess.Current = n.ID
	sess.rev++
	return n, nil
}

func (s *Service) AnswerQuestion(id, nodeID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	i := sess.index(nodeID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	sess.Nodes[i].Answer = answer
	sess.Nodes[i].Answered = true
	sess.rev++
	return nil
}

// RewindTo discards every node after nodeID, clears its answer and makes it
// current. The discarded history is gone.
func (s *Service) RewindTo(id, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	i := sess.index(nodeID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	sess.Nodes = sess.Nodes[:i+1]
	sess.Nodes[i].Answer = ""
	sess.Nodes[i].Answered = false
	sess.Current = nodeID
	sess.rev++
	return nil
}

// GenerateNextQuestion asks the agent for the next question and appends it.
// A reply that cannot be parsed yields a generic question. If the tree is
// edited before the reply arrives the question is discarded and
// ErrTreeChanged returned.
func (s *Service) GenerateNextQuestion(ctx context.Context, id string) (Node, error) {
	snap, err := s.Get(id)
	if err != nil {
		return Node{}, err
	}
	reply := s.llm.GenerateResponse(ctx, s.request(snap.UserID, nextQuestionPrompt(snap)))
	q, ok := parseQuestion(reply)
	if !ok {
		q = fallbackQuestion
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	if sess.rev != snap.rev {
		return Node{}, ErrTreeChanged
	}
	return s.addLocked(sess, q.Question, q.Options, "")
}

// SynthesizePrompt turns the answered questions into one prompt.
func (s *Service) SynthesizePrompt(ctx context.Context, id string) (string, error) {
	snap, err := s.Get(id)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(s.llm.GenerateResponse(ctx, s.request(snap.UserID, synthesisPrompt(snap))))
	if reply == "" || strings.HasPrefix(reply, "[Error:") {
		return "", fmt.Errorf("synthesize prompt: %s", cmp.Or(reply, "empty reply"))
	}
	return reply, nil
}

func (s *Service) request(user, prompt string) chat.Request {
	return chat.Request{UserID: user, Prompt: prompt, Model: s.model, Resume: chat.ResumeNew(), Ephemeral: true}
}
