package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/observability"
)

// ErrNotInRoom is returned for room-scoped events from a client that has not
// joined that room.
var ErrNotInRoom = errors.New("client is not in this conversation room")

// Authorizer decides whether an actor may join a conversation room.
type Authorizer interface {
	AuthorizeJoin(ctx context.Context, actor domain.Actor, conversationID string) error
}

// HubOptions configures a Hub.
type HubOptions struct {
	Authorizer      Authorizer
	Presence        PresenceTracker
	Metrics         *observability.Metrics
	Logger          *zap.Logger
	PresenceTimeout time.Duration
}

// Hub owns room membership and typing state for one process. Delivery is
// best effort: a client whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	typing          *TypingStore
	authorizer      Authorizer
	presence        PresenceTracker
	presenceTimeout time.Duration
	metrics         *observability.Metrics
	logger          *zap.Logger
}

// NewHub creates a hub.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.PresenceTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Hub{
		clients:         map[*Client]struct{}{},
		rooms:           map[string]map[*Client]struct{}{},
		typing:          NewTypingStore(),
		authorizer:      opts.Authorizer,
		presence:        opts.Presence,
		presenceTimeout: timeout,
		metrics:         opts.Metrics,
		logger:          logger,
	}
}

// Register marks the client connected.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.RecordRelay("connected")
}

// Unregister disconnects the client: it leaves its room, its typing flag is
// cleared for peers and its send buffer is closed.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	room := c.room
	h.removeFromRoomLocked(c)
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()

	if room != "" {
		h.afterLeave(room, c)
	}
	h.metrics.RecordRelay("disconnected")
}

// Join moves the client into the conversation room, leaving any previous
// room. Joining the current room is a no-op.
func (h *Hub) Join(c *Client, conversationID string) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok || c.room == conversationID {
		h.mu.Unlock()
		return
	}
	previous := c.room
	h.removeFromRoomLocked(c)
	members := h.rooms[conversationID]
	if members == nil {
		members = map[*Client]struct{}{}
		h.rooms[conversationID] = members
	}
	members[c] = struct{}{}
	c.room = conversationID
	h.mu.Unlock()

	if previous != "" {
		h.afterLeave(previous, c)
	}
	h.withPresence(func(ctx context.Context) error {
		return h.presence.Add(ctx, conversationID, c.participant)
	})
	h.metrics.RecordRelay("joined")
}

// Leave removes the client from the room if it is in it.
func (h *Hub) Leave(c *Client, conversationID string) {
	h.mu.Lock()
	if c.room != conversationID {
		h.mu.Unlock()
		return
	}
	h.removeFromRoomLocked(c)
	h.mu.Unlock()

	h.afterLeave(conversationID, c)
	h.metrics.RecordRelay("left")
}

// Room returns the client's current room, empty when none.
func (h *Hub) Room(c *Client) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.room
}

// RoomSize counts connections in a room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// NotifyTyping records the client's typing flag and tells the rest of the
// room when it changes. The sender never receives its own event.
func (h *Hub) NotifyTyping(c *Client, conversationID string, isTyping bool) error {
	if !h.inRoom(c, conversationID) {
		return ErrNotInRoom
	}
	if h.typing.Set(conversationID, c.participant, isTyping) {
		h.broadcast(conversationID, excludeParticipant(c.participant), newUserTyping(conversationID, c.participant, isTyping))
	}
	return nil
}

// NotifyNewMessage tells the room a message was appended and clears the
// sender's typing flag.
func (h *Hub) NotifyNewMessage(conversationID, messageID string, sender domain.Sender) {
	p := Participant{ID: sender.ID, Type: sender.Type}
	if h.typing.Clear(conversationID, p) {
		h.broadcast(conversationID, excludeParticipant(p), newUserTyping(conversationID, p, false))
	}
	h.broadcast(conversationID, nil, newMessageReceived(conversationID, messageID, sender))
}

// RelayNewMessage forwards a client's new-message hint to its peers.
func (h *Hub) RelayNewMessage(c *Client, conversationID, messageID string) error {
	if !h.inRoom(c, conversationID) {
		return ErrNotInRoom
	}
	if h.typing.Clear(conversationID, c.participant) {
		h.broadcast(conversationID, excludeParticipant(c.participant), newUserTyping(conversationID, c.participant, false))
	}
	h.broadcast(conversationID, excludeClient(c), newMessageReceived(conversationID, messageID, domain.Sender{ID: c.participant.ID, Type: c.participant.Type}))
	return nil
}

// NotifyClosed tells the room the conversation was closed.
func (h *Hub) NotifyClosed(conversationID string) {
	h.broadcast(conversationID, nil, ConversationClosed{Type: OutboundConversationClosed, ConversationID: conversationID})
}

// Typing lists participants typing in a conversation.
func (h *Hub) Typing(conversationID string) []Participant {
	return h.typing.Typing(conversationID)
}

// Participants lists who is in a room, preferring the shared presence store
// and falling back to this process's view.
func (h *Hub) Participants(ctx context.Context, conversationID string) []Participant {
	if h.presence != nil {
		ctx, cancel := context.WithTimeout(ctx, h.presenceTimeout)
		defer cancel()
		list, err := h.presence.List(ctx, conversationID)
		if err == nil {
			return list
		}
		h.logger.Warn("presence lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	h.mu.RLock()
	seen := map[Participant]struct{}{}
	out := []Participant{}
	for c := range h.rooms[conversationID] {
		if _, dup := seen[c.participant]; dup {
			continue
		}
		seen[c.participant] = struct{}{}
		out = append(out, c.participant)
	}
	h.mu.RUnlock()
	sortParticipants(out)
	return out
}

// Authorize checks a join through the configured authorizer.
func (h *Hub) Authorize(ctx context.Context, actor domain.Actor, conversationID string) error {
	if h.authorizer == nil {
		return nil
	}
	return h.authorizer.AuthorizeJoin(ctx, actor, conversationID)
}

func (h *Hub) afterLeave(conversationID string, c *Client) {
	if h.typing.Clear(conversationID, c.participant) {
		h.broadcast(conversationID, excludeParticipant(c.participant), newUserTyping(conversationID, c.participant, false))
	}
	if h.hasParticipant(conversationID, c.participant) {
		return
	}
	h.withPresence(func(ctx context.Context) error {
		return h.presence.Remove(ctx, conversationID, c.participant)
	})
}

func (h *Hub) removeFromRoomLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members := h.rooms[c.room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (h *Hub) inRoom(c *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[c]
	return ok && c.room == conversationID
}

func (h *Hub) hasParticipant(conversationID string, p Participant) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c.participant == p {
			return true
		}
	}
	return false
}

func (h *Hub) broadcast(conversationID string, exclude func(*Client) bool, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode relay event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if exclude != nil && exclude(c) {
			continue
		}
		h.deliverLocked(c, data)
	}
}

// sendTo delivers an event to one client.
func (h *Hub) sendTo(c *Client, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode relay event", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.deliverLocked(c, data)
	}
}

func (h *Hub) deliverLocked(c *Client, data []byte) {
	select {
	case c.send <- data:
		h.metrics.RecordRelay("delivered")
	default:
		h.metrics.RecordRelay("dropped")
		h.logger.Debug("relay delivery dropped",
			zap.String("client_id", c.id),
			zap.String("participant_id", c.participant.ID))
	}
}

func (h *Hub) withPresence(op func(ctx context.Context) error) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.presenceTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		h.metrics.RecordRelay("presence_error")
		h.logger.Warn("presence update failed", zap.Error(err))
	}
}

func excludeClient(sender *Client) func(*Client) bool {
	return func(c *Client) bool { return c == sender }
}

func excludeParticipant(p Participant) func(*Client) bool {
	return func(c *Client) bool { return c.participant == p }
}
