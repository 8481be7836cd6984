package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/relay"
)

// RelayEvent is any outbound relay event; fields not used by Type are empty.
type RelayEvent struct {
	Type            relay.OutboundType `json:"type"`
	ConversationID  string             `json:"conversationId"`
	MessageID       string             `json:"messageId,omitempty"`
	SenderID        string             `json:"senderId,omitempty"`
	SenderType      domain.SenderType  `json:"senderType,omitempty"`
	ParticipantID   string             `json:"participantId,omitempty"`
	ParticipantType domain.SenderType  `json:"participantType,omitempty"`
	IsTyping        bool               `json:"isTyping,omitempty"`
	Code            string             `json:"code,omitempty"`
	Message         string             `json:"message,omitempty"`
}

// Relay is the widget's view of the websocket relay.
type Relay interface {
	Send(event relay.Inbound) error
	Events() <-chan RelayEvent
	Close() error
}

// RelayDialer opens a relay connection for the given credentials.
type RelayDialer func(ctx context.Context, cred Credentials) (Relay, error)

// WebsocketDialer returns a RelayDialer connecting to the service at baseURL.
func WebsocketDialer(baseURL string, logger *zap.Logger) RelayDialer {
	return func(ctx context.Context, cred Credentials) (Relay, error) {
		return DialRelay(ctx, baseURL, cred, logger)
	}
}

// WSRelay is a websocket connection to GET /relay/ws.
type WSRelay struct {
	conn   *websocket.Conn
	events chan RelayEvent
	logger *zap.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// DialRelay connects to the relay. baseURL is the HTTP base of the service;
// credentials go in the query because browsers cannot set upgrade headers.
func DialRelay(ctx context.Context, baseURL string, cred Credentials, logger *zap.Logger) (*WSRelay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := relayURL(baseURL, cred)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	r := &WSRelay{
		conn:         conn,
		events:       make(chan RelayEvent, 32),
		logger:       logger,
		writeTimeout: 10 * time.Second,
	}
	go r.readLoop()
	return r, nil
}

func relayURL(baseURL string, cred Credentials) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/relay/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	q := u.Query()
	if cred.BearerToken != "" {
		q.Set("token", cred.BearerToken)
	} else if cred.GuestSession != "" {
		q.Set("guest_session", cred.GuestSession)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes one inbound event.
func (r *WSRelay) Send(event relay.Inbound) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Events yields relay events until the connection closes.
func (r *WSRelay) Events() <-chan RelayEvent {
	return r.events
}

// Close ends the connection.
func (r *WSRelay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
	})
	return err
}

func (r *WSRelay) readLoop() {
	defer close(r.events)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("relay connection lost", zap.Error(err))
			}
			return
		}
		var event RelayEvent
		if err := json.Unmarshal(data, &event); err != nil {
			r.logger.Debug("relay event dropped", zap.Error(err))
			continue
		}
		select {
		case r.events <- event:
		default:
			r.logger.Debug("relay event buffer full", zap.String("type", string(event.Type)))
		}
	}
}
