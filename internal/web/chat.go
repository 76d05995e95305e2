package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/clichat/internal/chat"
	"github.com/ehrlich-b/clichat/internal/protocol"
)

// resumeFor maps the optional session field of a chat request: "new" forces
// a fresh session, an id resumes that session, empty continues the active
// one.
func resumeFor(sessionID string) chat.Resume {
	switch sessionID {
	case "":
		return chat.ResumeAuto()
	case "new":
		return chat.ResumeNew()
	default:
		return chat.ResumeSession(sessionID)
	}
}

// handleChat runs a turn and streams its events as SSE. The body is a
// multipart form: message, files, model, plan_mode and session_id.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		err = r.ParseMultipartForm(32 << 20)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	var files []string
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
		for _, fh := range r.MultipartForm.File["files"] {
			p, err := s.saveUpload(r.Context(), fh)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			files = append(files, p)
		}
	}
	message := r.FormValue("message")
	if strings.TrimSpace(message) == "" && len(files) == 0 {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}
	planMode, _ := strconv.ParseBool(r.FormValue("plan_mode"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream := s.deps.Chat.GenerateResponseStream(r.Context(), chat.Request{
		UserID:   user,
		Prompt:   message,
		Model:    r.FormValue("model"),
		Files:    files,
		Resume:   resumeFor(r.FormValue("session_id")),
		PlanMode: planMode,
	})
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case ev, ok := <-stream.C():
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			data, err := protocol.Encode(ev)
			if err != nil {
				s.log.Warn("encode event", "type", protocol.Kind(ev), "err", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			heartbeat.Reset(s.opts.Heartbeat)
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Chat.Stop(userFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}
