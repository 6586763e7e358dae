package stream

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// TokenValidator resolves an optional auth token to a user id. Token
// issuance and verification live outside the core; the stream layer only
// consumes the result.
type TokenValidator func(token string) (userID string, err error)

// WSHandler upgrades HTTP requests on /ws/{client_id} and hands the
// connection to the hub.
type WSHandler struct {
	hub      *Hub
	validate TokenValidator
	log      zerolog.Logger
}

// NewWSHandler creates the websocket endpoint handler. validate may be nil
// when the deployment runs without authentication.
func NewWSHandler(hub *Hub, validate TokenValidator, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		hub:      hub,
		validate: validate,
		log:      log.With().Str("component", "ws_handler").Logger(),
	}
}

// ServeHTTP implements http.Handler for GET /ws/{client_id}?token=…
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	userID := ""
	if token := r.URL.Query().Get("token"); token != "" && h.validate != nil {
		uid, err := h.validate(token)
		if err != nil {
			h.log.Warn().Str("client_id", clientID).Msg("Rejected invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket accept failed")
		return
	}

	session, err := h.hub.Connect(NewWSTransport(conn), clientID, userID)
	if err != nil {
		h.log.Warn().Err(err).Str("client_id", clientID).Msg("Connection rejected")
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	// Hold the handler open until the session ends; the hub owns the
	// reader and writer pumps.
	<-session.Done()
}
