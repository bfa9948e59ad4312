package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

const commandTimeout = 5 * time.Second

type WSHandler struct {
	service  *app.QuizService
	gateway  *Gateway
	auth     Authenticator
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, gateway *Gateway, auth Authenticator, checkOrigin func(*http.Request) bool) *WSHandler {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &WSHandler{
		service: service,
		gateway: gateway,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	OptionIndex   *int `json:"optionIndex"`
	QuestionIndex *int `json:"questionIndex"`
}

// ServeWS authenticates the player, binds the upgraded connection to the room
// and forwards the player's commands to the room's session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, domain.ErrUnauthenticated) {
			status = http.StatusBadGateway
			log.Error().Err(err).Str("room_id", roomID).Msg("authentication failed")
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	c := h.gateway.newConnection(conn, roomID, identity.UserID)
	go c.writePump()

	logger := log.With().
		Str("room_id", roomID).
		Str("player_id", identity.UserID).
		Str("connection_id", c.id).
		Logger()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	err = h.gateway.attach(c, func() error {
		_, err := h.service.Join(ctx, roomID, identity, c.id)
		return err
	})
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("join failed")
		c.sendEvent(domain.EventError, domain.MessagePayload{Message: err.Error()})
		c.close()
		return
	}
	logger.Info().Msg("websocket bound")

	h.readLoop(c)

	h.gateway.unbind(c)
	c.close()
	ctx, cancel = context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := h.service.Leave(ctx, roomID, identity.UserID, c.id); err != nil {
		logger.Warn().Err(err).Msg("leave failed")
	}
	logger.Info().Msg("websocket unbound")
}

func (h *WSHandler) readLoop(c *connection) {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

		var inbound inboundMessage
		if err := json.Unmarshal(message, &inbound); err != nil || inbound.Type == "" {
			c.sendEvent(domain.EventError, domain.MessagePayload{Message: domain.ErrMalformedEvent.Error()})
			continue
		}

		if inbound.Type == domain.CommandLeave {
			return
		}
		h.forward(c, inbound)
	}
}

// forward routes one client command to the session and reports failures to
// the sender only.
func (h *WSHandler) forward(c *connection, inbound inboundMessage) {
	if !h.gateway.isCurrent(c) {
		c.sendEvent(domain.EventError, domain.MessagePayload{Message: domain.ErrUnboundConnection.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch inbound.Type {
	case domain.CommandPing:
		c.sendEvent(domain.EventPong, struct{}{})
		return
	case domain.CommandStartGame:
		err = h.service.StartGame(ctx, c.roomID, c.playerID)
	case domain.CommandSubmitAnswer:
		var payload answerPayload
		if jsonErr := json.Unmarshal(inbound.Payload, &payload); jsonErr != nil || payload.OptionIndex == nil {
			c.sendEvent(domain.EventError, domain.MessagePayload{Message: domain.ErrMalformedEvent.Error()})
			return
		}
		sub := app.Submission{QuestionIndex: -1, OptionIndex: *payload.OptionIndex}
		if payload.QuestionIndex != nil {
			sub.QuestionIndex = *payload.QuestionIndex
		}
		err = h.service.SubmitAnswer(ctx, c.roomID, c.playerID, sub)
	default:
		c.sendEvent(domain.EventError, domain.MessagePayload{Message: domain.ErrUnknownEvent.Error()})
		return
	}

	if err == nil {
		return
	}
	if reason, ok := rejectionReason(err); ok {
		c.sendEvent(domain.EventRejected, domain.RejectedPayload{Command: inbound.Type, Reason: reason})
		return
	}
	log.Error().Err(err).Str("connection_id", c.id).Str("command", inbound.Type).Msg("command failed")
	c.sendEvent(domain.EventError, domain.MessagePayload{Message: err.Error()})
}

var rejectionReasons = []struct {
	err    error
	reason string
}{
	{domain.ErrAlreadyAnswered, "already-answered"},
	{domain.ErrOptionOutOfRange, "option-out-of-range"},
	{domain.ErrStaleQuestion, "stale-question"},
	{domain.ErrNotAcceptingAnswers, "not-accepting-answers"},
	{domain.ErrPlayerNotInRoom, "not-in-room"},
	{domain.ErrGameAlreadyStarted, "already-started"},
	{domain.ErrStartNotAllowed, "start-not-allowed"},
}

// rejectionReason maps validation errors to the reason codes clients render.
func rejectionReason(err error) (string, bool) {
	for _, r := range rejectionReasons {
		if errors.Is(err, r.err) {
			return r.reason, true
		}
	}
	return "", false
}
