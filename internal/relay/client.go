package relay

import (
	"context"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

const (
	maxFrameBytes    = 4096
	authorizeTimeout = 5 * time.Second
)

// Conn is the subset of a websocket connection the pumps use.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ClientConfig tunes one connection.
type ClientConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return cfg
}

// Client is one websocket connection bound to a resolved actor.
type Client struct {
	id          string
	actor       domain.Actor
	participant Participant
	conn        Conn
	send        chan []byte
	hub         *Hub
	cfg         ClientConfig
	logger      *zap.Logger

	// room is guarded by hub.mu.
	room string
}

// NewClient binds conn to the hub for actor.
func (h *Hub) NewClient(conn Conn, actor domain.Actor, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Client{
		id:          id,
		actor:       actor,
		participant: Participant{ID: actor.ID, Type: actor.SenderType()},
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		hub:         h,
		cfg:         cfg,
		logger:      h.logger.With(zap.String("client_id", id), zap.String("participant_id", actor.ID)),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Serve runs the connection until the peer goes away or ctx is canceled.
func (c *Client) Serve(ctx context.Context) {
	c.hub.Register(c)
	c.logger.Debug("relay client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	c.readPump(ctx)
	c.hub.Unregister(c)
	<-done
	c.logger.Debug("relay client disconnected")
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("relay read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.handle(ctx, data)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	in, err := ParseInbound(data)
	if err != nil {
		c.hub.metrics.RecordRelay("invalid_event")
		c.hub.sendTo(c, newErrorEvent(CodeInvalidEvent, err.Error()))
		return
	}
	c.hub.metrics.RecordRelay("inbound_" + string(in.Type))

	switch in.Type {
	case InboundJoin:
		authCtx, cancel := context.WithTimeout(ctx, authorizeTimeout)
		err := c.hub.Authorize(authCtx, c.actor, in.ConversationID)
		cancel()
		if err != nil {
			domainErr := apperrors.ToDomainError(err)
			c.hub.sendTo(c, newErrorEvent(domainErr.Code, domainErr.Message))
			return
		}
		c.hub.Join(c, in.ConversationID)
	case InboundLeave:
		c.hub.Leave(c, in.ConversationID)
	case InboundTypingStart, InboundTypingStop:
		err = c.hub.NotifyTyping(c, in.ConversationID, in.Type == InboundTypingStart)
	case InboundNewMessage:
		err = c.hub.RelayNewMessage(c, in.ConversationID, in.MessageID)
	}
	if errors.Is(err, ErrNotInRoom) {
		c.hub.sendTo(c, newErrorEvent(CodeNotInRoom, err.Error()))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("relay write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
