package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/boardsync/internal/auth"
	"github.com/markb/boardsync/internal/log"
)

// Close reasons sent with ClosePolicyViolation when authentication fails.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonUnknownUser  = "unknown_user"
	ReasonUnavailable  = "auth_unavailable"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket upgrades the request and authenticates it. Failed
// authentication closes the fresh socket with 1008 so browsers can read
// the reason; no connection is registered.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.AccessTimeout)
	defer cancel()

	id, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		reason := closeReason(err)
		log.Info("realtime: rejecting connection", "reason", reason, "remote", r.RemoteAddr, "error", err.Error())
		h.metrics.withReason(ctx, h.metrics.Rejected, reason)
		deadline := time.Now().Add(h.cfg.WriteWait)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		ws.Close()
		return
	}

	c := h.newConn(ws, id)
	restored := h.restore(ctx, c.userID, r.URL.Query().Get("resume"))

	// Queued before the connection is indexed so it is always the first
	// frame the client sees.
	c.Send(NewControl(AckConnected, map[string]any{
		"connection_id": c.id,
		"user_id":       c.userID,
		"restored":      restored,
	}))

	if !h.register(c, restored) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	log.Debug("realtime: new connection", "conn_id", c.id, "user_id", c.userID, "restored", len(restored))

	h.serve(c)
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return ReasonMissingToken
	case errors.Is(err, auth.ErrUnknownUser):
		return ReasonUnknownUser
	case errors.Is(err, auth.ErrInvalidToken):
		return ReasonInvalidToken
	default:
		return ReasonUnavailable
	}
}

// bearerToken reads the credential from ?token=, ?access_token= or the
// Authorization header, in that order.
func bearerToken(r *http.Request) string {
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	if t := q.Get("access_token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	return ""
}
