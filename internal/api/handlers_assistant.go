package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/assistant"
	"github.com/flowmerce/flowmerce/internal/auth"
)

const (
	assistantMaxWSMessage = 16 * 1024
	assistantTimeout      = 2 * time.Minute
	wsWriteWait           = 10 * time.Second
)

type assistantRequest struct {
	Message string `json:"message"`
}

// wsFrame is sent to WebSocket clients: a run of "delta" frames followed by
// one "done" or "error" frame per question.
type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Error   string `json:"error,omitempty"`
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "1" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *Server) observeAssistant(err error) {
	if s.metrics == nil {
		return
	}
	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
	case errors.Is(err, assistant.ErrUpstream):
		outcome = "upstream_error"
	case errors.Is(err, apperr.ErrForbidden):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	s.metrics.AssistantQuery(outcome)
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}
	var req assistantRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	identity := getIdentityFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), assistantTimeout)
	defer cancel()

	if !wantsStream(r) {
		reply, err := s.assistant.Ask(ctx, identity, req.Message, nil)
		s.observeAssistant(err)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}
	reply, err := s.assistant.Ask(ctx, identity, req.Message, func(delta string) error {
		start()
		if err := writeSSE(w, "", map[string]string{"delta": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	s.observeAssistant(err)
	if err != nil {
		if !started {
			// Nothing streamed yet, so a plain error response still fits.
			s.writeServiceError(w, r, err)
			return
		}
		s.logger.Warn("assistant stream aborted", "user_id", identity.UserID, "error", err)
		_ = writeSSE(w, "error", map[string]string{"error": streamError(err)})
		flusher.Flush()
		return
	}
	start()
	_ = writeSSE(w, "done", map[string]string{"reply": reply})
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

func streamError(err error) string {
	if errors.Is(err, assistant.ErrUpstream) {
		return assistant.ErrUpstream.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "assistant timed out"
	}
	return "assistant failed"
}

// handleAssistantWS serves the assistant over a WebSocket. Browsers cannot set
// headers on the handshake, so the access token travels as ?token=.
func (s *Server) handleAssistantWS(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		writeError(w, http.StatusServiceUnavailable, "assistant is not configured")
		return
	}
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(r)
	}
	if tokenStr == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := s.auth.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	v, err := s.billing.Check(r.Context(), identity)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if !v.Allowed {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"detail": v.Detail,
			"code":   SubscriptionRequiredCode,
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("assistant ws: upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(assistantMaxWSMessage)

	s.logger.Info("assistant ws: connected", "user_id", identity.UserID)
	for {
		var req assistantRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("assistant ws: read ended", "user_id", identity.UserID, "error", err)
			}
			break
		}
		if err := s.answerWS(r.Context(), conn, identity, req.Message); err != nil {
			s.logger.Debug("assistant ws: write failed", "user_id", identity.UserID, "error", err)
			break
		}
	}
	s.logger.Info("assistant ws: disconnected", "user_id", identity.UserID)
}

// answerWS runs one question. Only write failures are returned; assistant
// errors are reported to the client as an error frame.
func (s *Server) answerWS(ctx context.Context, conn *websocket.Conn, identity *auth.Identity, message string) error {
	ctx, cancel := context.WithTimeout(ctx, assistantTimeout)
	defer cancel()

	var writeErr error
	send := func(f wsFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			writeErr = err
			return err
		}
		return nil
	}
	reply, err := s.assistant.Ask(ctx, identity, message, func(delta string) error {
		return send(wsFrame{Type: "delta", Content: delta})
	})
	s.observeAssistant(err)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		msg := streamError(err)
		if fields, ok := apperr.FieldErrors(err); ok {
			msg = fields["message"]
		} else if errors.Is(err, apperr.ErrForbidden) {
			msg = publicMessage(err, apperr.ErrForbidden)
		}
		return send(wsFrame{Type: "error", Error: msg})
	}
	return send(wsFrame{Type: "done", Reply: reply})
}
