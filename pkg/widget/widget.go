// Package widget is the client side of the support chat: it resolves the
// visitor's identity, finds or starts a conversation, keeps the message list
// fresh by polling and relay hints, and drives typing indicators.
package widget

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/relay"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// State is the widget's visible mode.
type State int

const (
	StateClosed State = iota
	StateNeedsIdentity
	StateNoConversation
	StateViewing
)

func (s State) String() string {
	switch s {
	case StateNeedsIdentity:
		return "needs-identity"
	case StateNoConversation:
		return "no-conversation"
	case StateViewing:
		return "viewing"
	default:
		return "closed"
	}
}

var (
	// ErrInvalidState is returned for operations the current state does not allow.
	ErrInvalidState = errors.New("widget: operation not allowed in current state")
	// ErrIdentityRequired means the guest form must be shown.
	ErrIdentityRequired = errors.New("widget: guest profile required")
	// ErrIdentityRejected means the persisted guest identity was discarded.
	ErrIdentityRejected = errors.New("widget: guest identity rejected")
)

const (
	defaultPollInterval = 5 * time.Second
	defaultTypingIdle   = 2 * time.Second
)

// Options configures a Widget. API is required; DialRelay is optional and
// only accelerates refreshes and carries typing indicators.
type Options struct {
	API          API
	DialRelay    RelayDialer
	Identity     IdentityStore
	BearerToken  string
	Clock        Clock
	PollInterval time.Duration
	TypingIdle   time.Duration
	Logger       *zap.Logger
	OnChange     func(Snapshot)
}

// Snapshot is what a renderer needs. Messages always come from the message log.
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []dto.MessageResponse
	Pending        []string
	PeersTyping    []string
}

// Widget is one chat surface.
type Widget struct {
	api          API
	dial         RelayDialer
	identity     IdentityStore
	bearer       string
	clock        Clock
	pollInterval time.Duration
	logger       *zap.Logger
	onChange     func(Snapshot)
	typing       *typingDebouncer

	mu             sync.Mutex
	state          State
	conversationID string
	session        string
	messages       []dto.MessageResponse
	pending        []string
	peersTyping    map[string]struct{}
	viewCancel     context.CancelFunc

	// relay is dialed with relayCred and consumed until relayCancel.
	relay       Relay
	relayCred   Credentials
	relayCancel context.CancelFunc
}

// New builds a closed widget.
func New(opts Options) *Widget {
	w := &Widget{
		api:          opts.API,
		dial:         opts.DialRelay,
		identity:     opts.Identity,
		bearer:       opts.BearerToken,
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		onChange:     opts.OnChange,
	}
	if w.identity == nil {
		w.identity = NewMemoryIdentityStore()
	}
	if w.clock == nil {
		w.clock = realClock{}
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	idle := opts.TypingIdle
	if idle <= 0 {
		idle = defaultTypingIdle
	}
	w.typing = newTypingDebouncer(w.clock, idle,
		func(id string) { w.relaySend(relay.Inbound{Type: relay.InboundTypingStart, ConversationID: id}) },
		func(id string) { w.relaySend(relay.Inbound{Type: relay.InboundTypingStop, ConversationID: id}) },
	)
	return w
}

// State returns the current state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Snapshot copies the renderable state.
func (w *Widget) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{
		State:          w.state,
		ConversationID: w.conversationID,
		Messages:       append([]dto.MessageResponse(nil), w.messages...),
		Pending:        append([]string(nil), w.pending...),
	}
	for id := range w.peersTyping {
		snap.PeersTyping = append(snap.PeersTyping, id)
	}
	sort.Strings(snap.PeersTyping)
	return snap
}

// Open shows the widget. With conversationID set it opens that conversation,
// otherwise the caller's most recent active one, if any. Opening an already
// open widget with a conversation id switches to it.
func (w *Widget) Open(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	if w.state != StateClosed {
		w.mu.Unlock()
		if conversationID == "" {
			return nil
		}
		return w.openConversation(ctx, conversationID)
	}
	w.state = StateNeedsIdentity
	w.mu.Unlock()

	cred, ok := w.credentials()
	if !ok {
		w.notify()
		return nil
	}
	if cred.BearerToken == "" {
		if _, err := w.api.ResolveGuest(ctx, cred, nil); err != nil {
			return w.openFailed(w.handleError(err))
		}
	}
	return w.openFailed(w.discover(ctx, conversationID))
}

// openFailed keeps identity outcomes inside the widget and closes it on
// anything else so Open can be retried.
func (w *Widget) openFailed(err error) error {
	if err == nil || errors.Is(err, ErrIdentityRequired) || errors.Is(err, ErrIdentityRejected) {
		return nil
	}
	w.Close()
	return err
}

// SubmitIdentity resolves the guest from the form, creating a session token
// if none was persisted yet.
func (w *Widget) SubmitIdentity(ctx context.Context, name, email string) error {
	w.mu.Lock()
	if w.state != StateNeedsIdentity {
		w.mu.Unlock()
		return ErrInvalidState
	}
	session := w.session
	w.mu.Unlock()
	if session == "" {
		session = uuid.NewString()
	}

	guest, err := w.api.ResolveGuest(ctx, Credentials{GuestSession: session},
		&dto.GuestProfileRequest{Name: name, Email: email})
	if err != nil {
		if ErrorCode(err) == apperrors.CodeInvalidGuestSession {
			w.forgetIdentity()
			return ErrIdentityRejected
		}
		return err
	}

	w.mu.Lock()
	w.session = session
	w.mu.Unlock()
	if err := w.identity.Save(Identity{SessionToken: session, Name: guest.Name, Email: guest.Email}); err != nil {
		w.logger.Warn("guest identity not persisted", zap.Error(err))
	}
	return w.discover(ctx, "")
}

// Send posts content. Without a viewed conversation the server reuses or
// opens one and the widget switches to it.
func (w *Widget) Send(ctx context.Context, content string) error {
	w.mu.Lock()
	if w.state != StateNoConversation && w.state != StateViewing {
		w.mu.Unlock()
		return ErrInvalidState
	}
	conversationID := ""
	if w.state == StateViewing {
		conversationID = w.conversationID
	}
	w.pending = append(w.pending, content)
	w.mu.Unlock()
	w.notify()
	w.typing.Stop()

	cred, _ := w.credentials()
	result, err := w.api.SendMessage(ctx, cred, dto.SendMessageRequest{ConversationID: conversationID, Content: content})
	w.dropPending(content)
	if err != nil {
		if ErrorCode(err) == apperrors.CodeConversationClosed {
			w.leaveView(StateNoConversation, false)
			return err
		}
		return w.handleError(err)
	}

	sentTo := result.Conversation.ID
	hint := relay.Inbound{Type: relay.InboundNewMessage, ConversationID: sentTo, MessageID: result.Message.ID}
	if sentTo != conversationID {
		err := w.view(ctx, sentTo)
		w.relaySend(hint)
		return err
	}
	w.relaySend(hint)
	return w.refresh(ctx, sentTo)
}

// KeyPress reports composer activity while viewing a conversation.
func (w *Widget) KeyPress() {
	w.mu.Lock()
	if w.state != StateViewing {
		w.mu.Unlock()
		return
	}
	conversationID := w.conversationID
	w.mu.Unlock()
	w.typing.KeyPress(conversationID)
}

// Close hides the widget: polling stops, typing stops, the room is left.
func (w *Widget) Close() {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	viewing := w.viewingLocked()
	w.stopViewLocked()
	w.state = StateClosed
	w.conversationID = ""
	w.messages = nil
	w.pending = nil
	w.peersTyping = nil
	w.mu.Unlock()

	w.typing.Stop()
	if viewing != "" {
		w.relaySend(relay.Inbound{Type: relay.InboundLeave, ConversationID: viewing})
	}
	w.dropRelay()
	w.notify()
}

func (w *Widget) credentials() (Credentials, bool) {
	if w.bearer != "" {
		return Credentials{BearerToken: w.bearer}, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session != "" {
		return Credentials{GuestSession: w.session}, true
	}
	id, ok, err := w.identity.Load()
	if err != nil {
		w.logger.Warn("guest identity unreadable", zap.Error(err))
		return Credentials{}, false
	}
	if !ok {
		return Credentials{}, false
	}
	w.session = id.SessionToken
	return Credentials{GuestSession: id.SessionToken}, true
}

func (w *Widget) discover(ctx context.Context, conversationID string) error {
	if conversationID != "" {
		return w.openConversation(ctx, conversationID)
	}
	cred, _ := w.credentials()
	convs, err := w.api.ListConversations(ctx, cred)
	if err != nil {
		return w.handleError(err)
	}
	for _, conv := range convs {
		if conv.Status != string(domain.ConversationStatusClosed) {
			return w.view(ctx, conv.ID)
		}
	}
	w.leaveView(StateNoConversation, false)
	return nil
}

func (w *Widget) openConversation(ctx context.Context, conversationID string) error {
	cred, _ := w.credentials()
	conv, err := w.api.GetConversation(ctx, cred, conversationID)
	if err != nil {
		return w.handleError(err)
	}
	return w.view(ctx, conv.ID)
}

// view switches to conversationID: joins its room, fetches its messages and
// starts polling.
func (w *Widget) view(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return ErrInvalidState
	}
	previous := w.viewingLocked()
	w.stopViewLocked()
	viewCtx, cancel := context.WithCancel(context.Background())
	w.viewCancel = cancel
	w.state = StateViewing
	w.conversationID = conversationID
	if previous != conversationID {
		w.messages = nil
		w.peersTyping = map[string]struct{}{}
	}
	w.mu.Unlock()

	if previous != "" && previous != conversationID {
		w.typing.Stop()
		w.relaySend(relay.Inbound{Type: relay.InboundLeave, ConversationID: previous})
	}
	w.connectRelay(ctx)
	w.relaySend(relay.Inbound{Type: relay.InboundJoin, ConversationID: conversationID})
	w.notify()

	err := w.refresh(ctx, conversationID)
	go w.poll(viewCtx, conversationID)
	return err
}

func (w *Widget) poll(ctx context.Context, conversationID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.pollInterval):
		}
		if ctx.Err() != nil {
			return
		}
		if err := w.refresh(ctx, conversationID); err != nil && ctx.Err() == nil {
			w.logger.Debug("poll failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// refresh refetches the message log; results for a conversation no longer
// viewed are discarded.
func (w *Widget) refresh(ctx context.Context, conversationID string) error {
	cred, _ := w.credentials()
	msgs, err := w.api.ListMessages(ctx, cred, conversationID)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return w.handleError(err)
	}
	w.mu.Lock()
	if w.state != StateViewing || w.conversationID != conversationID {
		w.mu.Unlock()
		return nil
	}
	w.messages = msgs
	w.mu.Unlock()
	w.notify()
	return nil
}

// connectRelay dials the relay once credentials exist, or again when they
// changed or the previous connection went away. Failures leave the widget on
// polling alone.
func (w *Widget) connectRelay(ctx context.Context) {
	if w.dial == nil {
		return
	}
	cred, ok := w.credentials()
	if !ok {
		return
	}
	w.mu.Lock()
	current := w.relay != nil && w.relayCred == cred
	w.mu.Unlock()
	if current {
		return
	}

	conn, err := w.dial(ctx, cred)
	if err != nil {
		w.logger.Warn("relay unavailable", zap.Error(err))
		return
	}

	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	previous, previousCancel := w.relay, w.relayCancel
	relayCtx, cancel := context.WithCancel(context.Background())
	w.relay, w.relayCred, w.relayCancel = conn, cred, cancel
	w.mu.Unlock()

	if previous != nil {
		previousCancel()
		_ = previous.Close()
	}
	go w.consumeRelay(relayCtx, conn)
}

// dropRelay closes the current relay connection, if any.
func (w *Widget) dropRelay() {
	w.mu.Lock()
	conn, cancel := w.relay, w.relayCancel
	w.relay, w.relayCred, w.relayCancel = nil, Credentials{}, nil
	w.mu.Unlock()
	if conn == nil {
		return
	}
	cancel()
	if err := conn.Close(); err != nil {
		w.logger.Debug("relay close failed", zap.Error(err))
	}
}

func (w *Widget) consumeRelay(ctx context.Context, conn Relay) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				w.mu.Lock()
				if w.relay == conn {
					w.relayCancel()
					w.relay, w.relayCred, w.relayCancel = nil, Credentials{}, nil
				}
				w.mu.Unlock()
				return
			}
			w.handleRelayEvent(ctx, event)
		}
	}
}

func (w *Widget) handleRelayEvent(ctx context.Context, event RelayEvent) {
	w.mu.Lock()
	viewing := w.state == StateViewing && w.conversationID == event.ConversationID
	w.mu.Unlock()

	switch event.Type {
	case relay.OutboundMessageReceived:
		if viewing {
			if err := w.refresh(ctx, event.ConversationID); err != nil {
				w.logger.Debug("relay refresh failed", zap.Error(err))
			}
		}
	case relay.OutboundUserTyping:
		if !viewing {
			return
		}
		w.mu.Lock()
		if w.peersTyping == nil {
			w.peersTyping = map[string]struct{}{}
		}
		if event.IsTyping {
			w.peersTyping[event.ParticipantID] = struct{}{}
		} else {
			delete(w.peersTyping, event.ParticipantID)
		}
		w.mu.Unlock()
		w.notify()
	case relay.OutboundConversationClosed:
		if viewing {
			w.leaveView(StateNoConversation, false)
		}
	case relay.OutboundError:
		w.logger.Debug("relay error", zap.String("code", event.Code), zap.String("message", event.Message))
	}
}

// handleError maps API errors onto state transitions.
func (w *Widget) handleError(err error) error {
	switch ErrorCode(err) {
	case apperrors.CodeIdentityRequired:
		w.leaveView(StateNeedsIdentity, false)
		return ErrIdentityRequired
	case apperrors.CodeInvalidGuestSession:
		w.forgetIdentity()
		return ErrIdentityRejected
	case apperrors.CodeAccessDenied:
		if w.bearer == "" {
			w.forgetIdentity()
			return ErrIdentityRejected
		}
		w.leaveView(StateNoConversation, false)
	case apperrors.CodeNotFound:
		w.leaveView(StateNoConversation, false)
	}
	return err
}

func (w *Widget) forgetIdentity() {
	if err := w.identity.Clear(); err != nil {
		w.logger.Warn("guest identity not cleared", zap.Error(err))
	}
	w.leaveView(StateNeedsIdentity, true)
	if w.bearer == "" {
		w.dropRelay()
	}
}

// leaveView moves an open widget to next, dropping the viewed conversation.
func (w *Widget) leaveView(next State, dropSession bool) {
	w.mu.Lock()
	if dropSession {
		w.session = ""
	}
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	viewing := w.viewingLocked()
	w.stopViewLocked()
	w.state = next
	w.conversationID = ""
	w.messages = nil
	w.peersTyping = nil
	w.mu.Unlock()

	if viewing != "" {
		w.typing.Stop()
		w.relaySend(relay.Inbound{Type: relay.InboundLeave, ConversationID: viewing})
	}
	w.notify()
}

func (w *Widget) viewingLocked() string {
	if w.state == StateViewing {
		return w.conversationID
	}
	return ""
}

func (w *Widget) stopViewLocked() {
	if w.viewCancel != nil {
		w.viewCancel()
		w.viewCancel = nil
	}
}

func (w *Widget) dropPending(content string) {
	w.mu.Lock()
	for i, p := range w.pending {
		if p == content {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	w.mu.Unlock()
}

func (w *Widget) relaySend(event relay.Inbound) {
	w.mu.Lock()
	conn := w.relay
	w.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(event); err != nil {
		w.logger.Debug("relay send failed", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

func (w *Widget) notify() {
	if w.onChange != nil {
		w.onChange(w.Snapshot())
	}
}
