package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/clichat/internal/chat"
	"github.com/ehrlich-b/clichat/internal/protocol"
)

// wsRequest is a client frame on /chat/ws. Files name earlier uploads.
type wsRequest struct {
	Type      string   `json:"type"` // chat or stop
	Message   string   `json:"message,omitempty"`
	Model     string   `json:"model,omitempty"`
	PlanMode  bool     `json:"plan_mode,omitempty"`
	Files     []string `json:"files,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

var doneFrame = []byte(`{"type":"done"}`)

// handleChatWS carries chat turns over a websocket. Each turn's events are
// sent as text frames followed by a done frame. A stop frame cancels the
// running turn; a new chat frame replaces it.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(1 << 20)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	incoming := make(chan wsRequest)
	go func() {
		defer close(incoming)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				s.writeFrame(ctx, conn, protocol.Error{Message: "invalid frame"})
				continue
			}
			if req.Type == "stop" {
				s.deps.Chat.Stop(user)
				continue
			}
			select {
			case incoming <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		stream *chat.Stream
		events <-chan protocol.Event
	)
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	ping := time.NewTicker(s.opts.Heartbeat)
	defer ping.Stop()
	for {
		select {
		case req, ok := <-incoming:
			if !ok {
				return
			}
			if req.Type != "chat" {
				s.writeFrame(ctx, conn, protocol.Error{Message: "unknown frame type " + req.Type})
				continue
			}
			files, ok := s.resolveUploads(req.Files)
			if !ok {
				s.writeFrame(ctx, conn, protocol.Error{Message: "unknown upload"})
				continue
			}
			if stream != nil {
				stream.Close()
			}
			stream = s.deps.Chat.GenerateResponseStream(ctx, chat.Request{
				UserID:   user,
				Prompt:   req.Message,
				Model:    req.Model,
				Files:    files,
				Resume:   resumeFor(req.SessionID),
				PlanMode: req.PlanMode,
			})
			events = stream.C()
		case ev, ok := <-events:
			if !ok {
				stream, events = nil, nil
				if err := conn.Write(ctx, websocket.MessageText, doneFrame); err != nil {
					return
				}
				continue
			}
			if err := s.writeFrame(ctx, conn, ev); err != nil {
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, s.opts.Heartbeat)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.log.Warn("encode event", "type", protocol.Kind(ev), "err", err)
		return nil
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) resolveUploads(names []string) ([]string, bool) {
	var out []string
	for _, n := range names {
		p, ok := s.uploadPath(n)
		if !ok {
			return nil, false
		}
		out = append(out, p)
	}
	return out, true
}
