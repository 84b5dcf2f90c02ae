package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/apiserver/middleware"
	"github.com/flowforge/gateway/pkg/gateway"
	"github.com/flowforge/gateway/pkg/model"
	"github.com/flowforge/gateway/pkg/relay"
	"github.com/flowforge/gateway/pkg/store"
)

const defaultHistoryLimit = 50

type SessionHandler struct {
	store   store.Store
	relay   *relay.Relay
	gateway *gateway.Gateway
	logger  *zap.Logger
}

func NewSessionHandler(st store.Store, rel *relay.Relay, gw *gateway.Gateway, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{store: st, relay: rel, gateway: gw, logger: logger}
}

type sessionCreateRequest struct {
	Title string `json:"title"`
}

type messageCreateRequest struct {
	Content string `json:"content" binding:"required"`
}

type exchangeResponse struct {
	UserMessage *model.StreamMessage `json:"user_message"`
	Message     *model.StreamMessage `json:"message"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	// The body is optional.
	var req sessionCreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
			return
		}
	}

	now := time.Now().UTC()
	session := &model.Session{
		ID:        uuid.New(),
		OwnerID:   middleware.CallerID(c),
		Title:     strings.TrimSpace(req.Title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateSession(c.Request.Context(), session); err != nil {
		writeError(c, h.logger, err, "create session")
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandler) ListMessages(c *gin.Context) {
	sessionID, ok := parseID(c, "id", "session id")
	if !ok {
		return
	}
	if err := h.authorize(c.Request.Context(), sessionID, middleware.CallerID(c)); err != nil {
		writeError(c, h.logger, err, "list messages")
		return
	}

	messages, err := h.store.ListMessages(c.Request.Context(), sessionID, parseLimit(c.Query("limit"), defaultHistoryLimit))
	if err != nil {
		writeError(c, h.logger, err, "list messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID.String(),
		"messages":   messages,
	})
}

// SendMessage relays one user message. With stream=true the reply is
// streamed on this response and the relay starts only once the connection
// is subscribed, so the first chunk cannot be missed. Otherwise the handler
// answers once the reply is persisted.
func (h *SessionHandler) SendMessage(c *gin.Context) {
	sessionID, ok := parseID(c, "id", "session id")
	if !ok {
		return
	}

	stream, err := strconv.ParseBool(c.DefaultQuery("stream", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream flag"})
		return
	}

	var req messageCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	ex, err := h.relay.Prepare(c.Request.Context(), sessionID, middleware.CallerID(c), req.Content)
	if err != nil {
		writeError(c, h.logger, err, "send message")
		return
	}

	if stream {
		h.streamExchange(c, ex)
		return
	}

	if err := ex.Start(); err != nil {
		writeError(c, h.logger, err, "send message")
		return
	}
	message, err := ex.Wait(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		writeError(c, h.logger, err, "send message")
		return
	}

	c.JSON(http.StatusOK, exchangeResponse{UserMessage: ex.UserMessage, Message: message})
}

func (h *SessionHandler) streamExchange(c *gin.Context, ex *relay.Exchange) {
	logger := h.logger.With(zap.String("session_id", ex.SessionID.String()), zap.String("message_id", ex.MessageID.String()))
	start := func() {
		if err := ex.Start(); err != nil && !errors.Is(err, relay.ErrAlreadyStarted) {
			logger.Warn("failed to start relay", zap.Error(err))
		}
	}

	err := h.gateway.Serve(c.Writer, c.Request, gateway.Request{
		Channels: []gateway.Channel{{
			ID:     ex.SessionID.String(),
			Source: gateway.MessageSource(h.store, ex.SessionID, ex.MessageID, ex.UserMessage),
		}},
		OnReady: func(*gateway.Conn) { start() },
	})

	// The user message is already persisted; its reply is produced even when
	// the viewer never got as far as subscribing.
	start()

	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (h *SessionHandler) Stream(c *gin.Context) {
	sessionID, ok := parseID(c, "id", "session id")
	if !ok {
		return
	}
	if err := h.authorize(c.Request.Context(), sessionID, middleware.CallerID(c)); err != nil {
		writeError(c, h.logger, err, "stream session")
		return
	}

	err := h.gateway.Serve(c.Writer, c.Request, gateway.Request{
		Channels: []gateway.Channel{{
			ID:     sessionID.String(),
			Source: gateway.SessionSource(h.store, sessionID, parseLimit(c.Query("limit"), defaultHistoryLimit)),
		}},
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func (h *SessionHandler) CancelMessage(c *gin.Context) {
	sessionID, ok := parseID(c, "id", "session id")
	if !ok {
		return
	}
	messageID, ok := parseID(c, "messageId", "message id")
	if !ok {
		return
	}

	if err := h.relay.Cancel(sessionID, messageID, middleware.CallerID(c)); err != nil {
		writeError(c, h.logger, err, "cancel message")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message_id": messageID.String(), "status": "cancelling"})
}

func (h *SessionHandler) authorize(ctx context.Context, sessionID uuid.UUID, callerID string) error {
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.OwnerID != callerID {
		return model.ErrForbidden
	}
	return nil
}
