package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"estatechat/internal/observability"
	"estatechat/internal/rabbitmq"
	"estatechat/internal/realtimetoken"
	"estatechat/internal/repositories"
)

// Handler accepts realtime websocket connections, authenticates them with
// a minted transport token and runs the subscribe/publish command loop.
type Handler struct {
	broker   *Broker
	convRepo repositories.ConversationRepository
	tokens   *realtimetoken.Issuer
	events   rabbitmq.Publisher
	log      *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(broker *Broker, convRepo repositories.ConversationRepository, tokens *realtimetoken.Issuer, events rabbitmq.Publisher, log *zap.Logger) *Handler {
	return &Handler{broker: broker, convRepo: convRepo, tokens: tokens, events: events, log: log}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and serves it until close.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("estatechat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	clientID, err := h.tokens.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	meta := observability.MetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      clientID,
		DeviceID:    meta.DeviceID,
		IP:          meta.ClientIP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	cl := &client{
		conn:     conn,
		clientID: clientID,
		info:     info,
		topics:   make(map[string]struct{}),
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publishConnEvent(ctx, "ws_connect", info, "")
	h.log.Info("realtime client connected",
		zap.String("client_id", clientID),
		zap.String("conn_id", info.ConnID))

	go h.serve(ctx, cl)
}

func (h *Handler) serve(ctx context.Context, cl *client) {
	var closeReason string
	defer func() {
		h.broker.detach(cl)
		cl.conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publishConnEvent(ctx, "ws_disconnect", cl.info, closeReason)
		h.log.Info("realtime client disconnected",
			zap.String("client_id", cl.clientID),
			zap.String("conn_id", cl.info.ConnID),
			zap.String("reason", closeReason))
	}()

	for {
		var cmd Command
		if err := cl.conn.ReadJSON(&cmd); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("ws_error")
			}
			return
		}
		h.handleCommand(ctx, cl, cmd)
	}
}

func (h *Handler) handleCommand(ctx context.Context, cl *client, cmd Command) {
	switch cmd.Action {
	case "subscribe":
		if !h.topicAllowed(ctx, cl.clientID, cmd.Topic) {
			observability.IncWSEvent("subscribe_denied")
			h.sendError(cl, cmd.Topic, "subscription denied")
			return
		}
		h.broker.subscribe(cl, cmd.Topic)
		observability.IncWSEvent("subscribe")
	case "unsubscribe":
		h.broker.unsubscribe(cl, cmd.Topic)
		observability.IncWSEvent("unsubscribe")
	case "publish":
		// Clients may only publish to conversation topics they are
		// subscribed to; notification topics are server-published.
		if _, ok := IsConversationTopic(cmd.Topic); !ok || !h.broker.isSubscribed(cl, cmd.Topic) {
			observability.IncWSEvent("publish_denied")
			h.sendError(cl, cmd.Topic, "publish denied")
			return
		}
		h.broker.Publish(cmd.Topic, cmd.Name, cmd.Data)
	default:
		h.sendError(cl, cmd.Topic, "unknown action")
	}
}

func (h *Handler) topicAllowed(ctx context.Context, clientID, topic string) bool {
	if conversationID, ok := IsConversationTopic(topic); ok {
		member, err := h.convRepo.IsParticipant(ctx, conversationID, clientID)
		if err != nil {
			h.log.Error("participation check failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
			return false
		}
		return member
	}
	if userID, ok := IsUserNotificationTopic(topic); ok {
		return userID == clientID
	}
	return false
}

func (h *Handler) sendError(cl *client, topic, message string) {
	payload, err := json.Marshal(Frame{
		Topic: topic,
		Name:  "error",
		Data:  json.RawMessage(`{"message":` + strconv.Quote(message) + `}`),
	})
	if err != nil {
		return
	}
	_ = cl.writeFrame(payload)
}

func (h *Handler) publishConnEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	if h.events == nil {
		return
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = h.events.Publish(ctx, "ws_events.realtime", observability.NewEvent("ws_events", event, payload))
}
