package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatrelay/pkg/models"
)

// ChatRequest is the body of POST /api/chat/stream. Exactly one transcript
// source must be present: a user_message for a session, a raw messages
// array, or a retry action.
type ChatRequest struct {
	SessionID      string              `json:"session_id,omitempty"`
	UserMessage    string              `json:"user_message,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	Messages       []models.Turn       `json:"messages,omitempty"`
	ResetSession   bool                `json:"reset_session,omitempty"`
	Action         string              `json:"action,omitempty"`
	KeepUserCount  int                 `json:"keep_user_count,omitempty"`
	ClientStreamID string              `json:"client_stream_id,omitempty"`
}

// StopRequest is the body of POST /api/chat/stop.
type StopRequest struct {
	SessionID      string `json:"session_id"`
	ClientStreamID string `json:"client_stream_id"`
}

const (
	actionRetryLast        = "retry_last"
	actionTruncateAndRetry = "truncate_and_retry"
)

// streamFrame is one NDJSON event sent to the client.
type streamFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Name   string `json:"name,omitempty"`
	Stage  string `json:"stage,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}

	if err := validateChatRequest(&req); err != nil {
		s.badRequest(w, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		chatRequestsTotal.WithLabelValues("error").Inc()
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID, base, err := s.resolveTranscript(r.Context(), &req)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			s.badRequest(w, reqErr.msg)
			return
		}
		chatRequestsTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to resolve transcript", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sessionID != "" {
		defer s.locker.Unlock(sessionID)
	}

	clientStreamID := req.ClientStreamID
	if clientStreamID == "" {
		clientStreamID = uuid.NewString()
	}
	// The registry key uses the client-supplied session_id, not the internal
	// session ID: the stop endpoint only ever sees the identifiers the
	// client knows.
	key := StreamKey(req.SessionID, clientStreamID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream := NewActiveStream(cancel)
	s.streams.Register(key, stream)
	defer s.streams.Unregister(key)

	// Commit exactly the delivered text, once, regardless of which path ends
	// the stream. Nothing is committed when the model produced no visible
	// output and no tool turns reached the store.
	defer stream.Finalize(func() {
		if sessionID == "" {
			return
		}
		text := stream.Delivered()
		if text == "" && !stream.HasToolTurns() {
			return
		}
		commitCtx, commitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer commitCancel()
		if err := s.sessions.ReplaceOrAppendLastAssistant(commitCtx, sessionID, text); err != nil {
			s.logger.Warn("failed to commit assistant turn", "session_id", sessionID, "error", err)
		}
	})

	chunks, err := s.runner.Run(ctx, sessionID, base)
	if err != nil {
		chatRequestsTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to start orchestration", "error", err)
		http.Error(w, "failed to start stream", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	outcome := "completed"
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			if errors.Is(chunk.Err, context.Canceled) {
				outcome = "cancelled"
			} else {
				outcome = "error"
				s.logger.Error("stream error", "session_id", sessionID, "error", chunk.Err)
				s.writeFrame(w, flusher, streamFrame{Type: "error", Error: chunk.Err.Error()})
			}

		case chunk.ToolEvent != nil:
			evt := chunk.ToolEvent
			if evt.Stage == models.ToolEventStarted {
				// The tool-calls assistant turn is persisted before
				// execution starts, so a cancel from here on must still
				// close out the transcript.
				stream.MarkToolTurns()
				toolEventsTotal.WithLabelValues(evt.Name).Inc()
			}
			s.writeFrame(w, flusher, streamFrame{
				Type:   "tool",
				Name:   evt.Name,
				Stage:  string(evt.Stage),
				Detail: evt.Detail,
			})

		case chunk.Text != "":
			if !s.writeFrame(w, flusher, streamFrame{Type: "text", Text: chunk.Text}) {
				// Client went away; stop the upstream and keep what was
				// delivered so far.
				cancel()
				outcome = "cancelled"
				continue
			}
			stream.AppendDelivered(chunk.Text)
		}
	}

	chatRequestsTotal.WithLabelValues(outcome).Inc()
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON body")
		return
	}

	stopped := s.streams.Stop(StreamKey(req.SessionID, req.ClientStreamID))
	s.logger.Debug("stop request", "session_id", req.SessionID,
		"client_stream_id", req.ClientStreamID, "stopped", stopped)

	// Idempotent: stopping an unknown or finished stream is a no-op.
	w.WriteHeader(http.StatusNoContent)
}

// requestError marks a resolution failure the client caused.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func validateChatRequest(req *ChatRequest) error {
	sources := 0
	if req.UserMessage != "" {
		sources++
	}
	if len(req.Messages) > 0 {
		sources++
	}
	if req.Action != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of user_message, messages, or action is required")
	}

	if req.UserMessage != "" && req.SessionID == "" {
		return fmt.Errorf("session_id is required with user_message")
	}
	switch req.Action {
	case "":
	case actionRetryLast:
		if req.SessionID == "" {
			return fmt.Errorf("session_id is required with action")
		}
	case actionTruncateAndRetry:
		if req.SessionID == "" {
			return fmt.Errorf("session_id is required with action")
		}
		if req.KeepUserCount <= 0 {
			return fmt.Errorf("keep_user_count must be positive for truncate_and_retry")
		}
	default:
		return fmt.Errorf("unknown action %q", req.Action)
	}
	return nil
}

// resolveTranscript produces the base transcript for this run. In session
// mode it acquires the session lock, applies reset or retry actions to the
// store, persists the new user turn, and returns the stored history; the
// caller unlocks. Stateless messages mode returns an empty session ID and
// skips persistence entirely.
func (s *Server) resolveTranscript(ctx context.Context, req *ChatRequest) (string, []models.Turn, error) {
	if len(req.Messages) > 0 {
		return "", req.Messages, nil
	}

	sess, err := s.sessions.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return "", nil, fmt.Errorf("get session: %w", err)
	}

	if err := s.locker.Lock(ctx, sess.ID); err != nil {
		return "", nil, fmt.Errorf("acquire session lock: %w", err)
	}
	unlock := true
	defer func() {
		if unlock {
			s.locker.Unlock(sess.ID)
		}
	}()

	if req.ResetSession {
		if err := s.sessions.Reset(ctx, sess.ID); err != nil {
			return "", nil, fmt.Errorf("reset session: %w", err)
		}
	}

	switch req.Action {
	case actionRetryLast:
		history, err := s.sessions.History(ctx, sess.ID)
		if err != nil {
			return "", nil, err
		}
		n := models.UserTurnCount(history)
		if n == 0 {
			return "", nil, &requestError{msg: "no user turn to retry"}
		}
		if err := s.sessions.TruncateToUserCount(ctx, sess.ID, n); err != nil {
			return "", nil, err
		}

	case actionTruncateAndRetry:
		if err := s.sessions.TruncateToUserCount(ctx, sess.ID, req.KeepUserCount); err != nil {
			return "", nil, err
		}

	default:
		turn := models.Turn{
			ID:          uuid.NewString(),
			Role:        models.RoleUser,
			Content:     req.UserMessage,
			Attachments: req.Attachments,
			CreatedAt:   time.Now(),
		}
		if err := s.sessions.Append(ctx, sess.ID, turn); err != nil {
			return "", nil, fmt.Errorf("append user turn: %w", err)
		}
	}

	base, err := s.sessions.History(ctx, sess.ID)
	if err != nil {
		return "", nil, err
	}
	if len(base) == 0 {
		return "", nil, &requestError{msg: "session transcript is empty"}
	}

	// Hand the held lock to the caller for the duration of the stream.
	unlock = false
	return sess.ID, base, nil
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	chatRequestsTotal.WithLabelValues("bad_request").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeFrame sends one NDJSON frame and flushes it. Returns false when the
// client connection failed.
func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame streamFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	if _, err := w.Write(append(payload, '\n')); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
