package widget

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/relay"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

type harness struct {
	rec      *recorder
	api      *fakeAPI
	relay    *fakeRelay
	clock    *fakeClock
	identity *MemoryIdentityStore
	widget   *Widget

	mu      sync.Mutex
	dialErr error
	dialed  []Credentials
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		rec:      rec,
		api:      newFakeAPI(rec),
		relay:    newFakeRelay(rec),
		clock:    newFakeClock(),
		identity: NewMemoryIdentityStore(),
	}
	h.widget = New(Options{
		API:          h.api,
		DialRelay:    h.dial,
		Identity:     h.identity,
		Clock:        h.clock,
		PollInterval: 5 * time.Second,
		TypingIdle:   2 * time.Second,
	})
	t.Cleanup(h.widget.Close)
	return h
}

func (h *harness) dial(_ context.Context, cred Credentials) (Relay, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	h.dialed = append(h.dialed, cred)
	h.rec.add("dial")
	return h.relay, nil
}

func (h *harness) dials() []Credentials {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Credentials(nil), h.dialed...)
}

// viewing drives a fresh guest to a viewed conversation c1.
func (h *harness) viewing(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.widget.Open(ctx, ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.widget.SubmitIdentity(ctx, "Ann", "ann@example.com"); err != nil {
		t.Fatalf("submit identity: %v", err)
	}
	if err := h.widget.Send(ctx, "Hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := h.widget.State(); got != StateViewing {
		t.Fatalf("state = %v, want viewing", got)
	}
}

func TestOpenWithoutIdentityAsksForProfile(t *testing.T) {
	h := newHarness(t)

	if err := h.widget.Open(context.Background(), ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := h.widget.State(); got != StateNeedsIdentity {
		t.Fatalf("state = %v, want needs-identity", got)
	}
	if n := h.rec.count("api:resolve"); n != 0 {
		t.Errorf("expected no resolve call without a token, got %d", n)
	}
	if err := h.widget.Send(context.Background(), "hi"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for send before identity, got %v", err)
	}
}

func TestSubmitIdentityPersistsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.widget.Open(ctx, "")

	if err := h.widget.SubmitIdentity(ctx, "Ann", "ann@example.com"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := h.widget.State(); got != StateNoConversation {
		t.Fatalf("state = %v, want no-conversation", got)
	}
	id, ok, _ := h.identity.Load()
	if !ok || id.SessionToken == "" || id.Name != "Ann" {
		t.Fatalf("expected persisted identity, got %+v (%v)", id, ok)
	}

	// reopening reuses the stored token without asking again
	h.widget.Close()
	if err := h.widget.Open(ctx, ""); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := h.widget.State(); got != StateNoConversation {
		t.Fatalf("state after reopen = %v, want no-conversation", got)
	}
}

func TestSendOpensConversationAndHintsRelay(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)

	snap := h.widget.Snapshot()
	if snap.ConversationID != "c1" || len(snap.Messages) != 1 || snap.Messages[0].Content != "Hello" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Pending) != 0 {
		t.Errorf("expected no pending messages, got %v", snap.Pending)
	}
	if h.rec.count("relay:join-conversation:c1") != 1 || h.rec.count("relay:new-message:c1") != 1 {
		t.Errorf("expected join and new-message hint, got %v", h.rec.all())
	}
}

func TestExistingConversationIsDiscovered(t *testing.T) {
	h := newHarness(t)
	h.api.set(func(a *fakeAPI) {
		a.convs = []dto.ConversationResponse{
			{ID: "old", Status: "closed"},
			{ID: "active", Status: "pending"},
		}
	})
	ctx := context.Background()
	_ = h.widget.Open(ctx, "")
	if err := h.widget.SubmitIdentity(ctx, "Ann", "ann@example.com"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := h.widget.Snapshot()
	if snap.State != StateViewing || snap.ConversationID != "active" {
		t.Fatalf("expected to view the active conversation, got %+v", snap)
	}
}

func TestRejectedIdentityIsCleared(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantIdentity bool
	}{
		{name: "invalid session", err: apiError(http.StatusUnauthorized, apperrors.CodeInvalidGuestSession), wantIdentity: false},
		{name: "access denied", err: apiError(http.StatusForbidden, apperrors.CodeAccessDenied), wantIdentity: false},
		{name: "unknown session", err: apiError(http.StatusPreconditionRequired, apperrors.CodeIdentityRequired), wantIdentity: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_ = h.identity.Save(Identity{SessionToken: "0b6f4a5e-8c9a-4d3e-9f61-3f0d2b1e7c55"})
			h.api.set(func(a *fakeAPI) { a.resolveErr = tt.err })

			if err := h.widget.Open(context.Background(), ""); err != nil {
				t.Fatalf("open: %v", err)
			}
			if got := h.widget.State(); got != StateNeedsIdentity {
				t.Fatalf("state = %v, want needs-identity", got)
			}
			if _, ok, _ := h.identity.Load(); ok != tt.wantIdentity {
				t.Errorf("identity kept = %v, want %v", ok, tt.wantIdentity)
			}
		})
	}
}

func TestAccessDeniedWhileViewingResetsIdentity(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)
	h.api.set(func(a *fakeAPI) { a.sendErr = apiError(http.StatusForbidden, apperrors.CodeAccessDenied) })

	err := h.widget.Send(context.Background(), "again")
	if !errors.Is(err, ErrIdentityRejected) {
		t.Fatalf("expected ErrIdentityRejected, got %v", err)
	}
	if got := h.widget.State(); got != StateNeedsIdentity {
		t.Fatalf("state = %v, want needs-identity", got)
	}
	if _, ok, _ := h.identity.Load(); ok {
		t.Error("expected identity to be cleared")
	}
	if h.rec.count("relay:leave-conversation:c1") != 1 {
		t.Errorf("expected the room to be left, got %v", h.rec.all())
	}
	if h.rec.count("relay:close") != 1 {
		t.Errorf("expected the guest's relay connection to close, got %v", h.rec.all())
	}
}

func TestOtherErrorsAreReturned(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)
	boom := errors.New("connection refused")
	h.api.set(func(a *fakeAPI) { a.sendErr = boom })

	if err := h.widget.Send(context.Background(), "again"); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if got := h.widget.State(); got != StateViewing {
		t.Fatalf("state = %v, want viewing", got)
	}
}

func TestClosedConversationReturnsToNoConversation(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)
	h.api.set(func(a *fakeAPI) { a.sendErr = apiError(http.StatusConflict, apperrors.CodeConversationClosed) })

	if err := h.widget.Send(context.Background(), "again"); ErrorCode(err) != apperrors.CodeConversationClosed {
		t.Fatalf("expected CONVERSATION_CLOSED, got %v", err)
	}
	if got := h.widget.State(); got != StateNoConversation {
		t.Fatalf("state = %v, want no-conversation", got)
	}
}

func TestTypingDebounce(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)
	start, stop := "relay:typing-start:c1", "relay:typing-stop:c1"

	h.widget.KeyPress()
	h.widget.KeyPress()
	h.widget.KeyPress()
	if n := h.rec.count(start); n != 1 {
		t.Fatalf("expected one typing-start, got %d", n)
	}

	h.clock.Advance(1500 * time.Millisecond)
	h.widget.KeyPress()
	h.clock.Advance(1500 * time.Millisecond)
	if n := h.rec.count(stop); n != 0 {
		t.Fatalf("typing-stop fired before 2s of inactivity")
	}
	h.clock.Advance(600 * time.Millisecond)
	if n := h.rec.count(stop); n != 1 {
		t.Fatalf("expected typing-stop after idle, got %d", n)
	}
	if n := h.rec.count(start); n != 1 {
		t.Fatalf("expected still one typing-start, got %d", n)
	}
}

func TestSendStopsTypingFirst(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)

	h.widget.KeyPress()
	if err := h.widget.Send(context.Background(), "second"); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := h.rec.all()
	stopAt, sendAt := -1, -1
	for i, e := range entries {
		switch e {
		case "relay:typing-stop:c1":
			stopAt = i
		case "api:send":
			sendAt = i
		}
	}
	if stopAt < 0 || sendAt < 0 || stopAt > sendAt {
		t.Fatalf("expected typing-stop before the send, got %v", entries)
	}

	// the idle timer must not emit a second stop
	h.clock.Advance(3 * time.Second)
	if n := h.rec.count("relay:typing-stop:c1"); n != 1 {
		t.Fatalf("expected exactly one typing-stop, got %d", n)
	}
}

func TestPollingRefetchesUntilClosed(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)

	waitFor(t, "poll timer", func() bool { return h.clock.waiters() > 0 })
	before := h.api.lists()
	h.clock.Advance(5 * time.Second)
	waitFor(t, "poll refresh", func() bool { return h.api.lists() == before+1 })

	h.widget.Close()
	if got := h.widget.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	after := h.api.lists()
	h.clock.Advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := h.api.lists(); got != after {
		t.Fatalf("poll kept running after close: %d -> %d", after, got)
	}
	if h.rec.count("relay:leave-conversation:c1") != 1 {
		t.Errorf("expected leave on close, got %v", h.rec.all())
	}
}

func TestRelayHintsRefreshAndTyping(t *testing.T) {
	h := newHarness(t)
	h.viewing(t)

	before := h.api.lists()
	h.relay.events <- RelayEvent{Type: relay.OutboundMessageReceived, ConversationID: "c1", MessageID: "m9"}
	waitFor(t, "relay refresh", func() bool { return h.api.lists() > before })

	h.relay.events <- RelayEvent{Type: relay.OutboundUserTyping, ConversationID: "c1", ParticipantID: "admin-1", IsTyping: true}
	waitFor(t, "peer typing", func() bool {
		peers := h.widget.Snapshot().PeersTyping
		return len(peers) == 1 && peers[0] == "admin-1"
	})

	h.relay.events <- RelayEvent{Type: relay.OutboundUserTyping, ConversationID: "other", ParticipantID: "admin-2", IsTyping: true}
	h.relay.events <- RelayEvent{Type: relay.OutboundConversationClosed, ConversationID: "c1"}
	waitFor(t, "close hint", func() bool { return h.widget.State() == StateNoConversation })
}

func TestFirstTimeGuestConnectsRelayOnceIdentified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_ = h.widget.Open(ctx, "")
	if err := h.widget.SubmitIdentity(ctx, "Ann", "ann@example.com"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n := len(h.dials()); n != 0 {
		t.Fatalf("relay dialed before a conversation was viewed: %d", n)
	}
	if err := h.widget.Send(ctx, "Hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	stored, _, _ := h.identity.Load()
	dials := h.dials()
	if len(dials) != 1 || dials[0].GuestSession != stored.SessionToken || stored.SessionToken == "" {
		t.Fatalf("expected one dial with the new session %q, got %+v", stored.SessionToken, dials)
	}
	entries := h.rec.all()
	dialAt, joinAt := -1, -1
	for i, e := range entries {
		switch e {
		case "dial":
			dialAt = i
		case "relay:join-conversation:c1":
			joinAt = i
		}
	}
	if dialAt < 0 || joinAt < dialAt {
		t.Fatalf("expected dial before join, got %v", entries)
	}

	h.widget.KeyPress()
	if h.rec.count("relay:typing-start:c1") != 1 {
		t.Fatalf("expected typing-start over the new connection, got %v", h.rec.all())
	}

	// the open connection is reused for later views
	if err := h.widget.Send(ctx, "again"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if n := len(h.dials()); n != 1 {
		t.Fatalf("expected the connection to be reused, dialed %d times", n)
	}

	h.widget.Close()
	if h.rec.count("relay:close") != 1 {
		t.Fatalf("expected the relay to close with the widget, got %v", h.rec.all())
	}
}

func TestRelayDialFailureFallsBackToPolling(t *testing.T) {
	h := newHarness(t)
	h.mu.Lock()
	h.dialErr = errors.New("connection refused")
	h.mu.Unlock()
	h.viewing(t)

	if h.rec.count("relay:join-conversation:c1") != 0 {
		t.Fatalf("no relay traffic expected without a connection, got %v", h.rec.all())
	}
	waitFor(t, "poll timer", func() bool { return h.clock.waiters() > 0 })
	before := h.api.lists()
	h.clock.Advance(5 * time.Second)
	waitFor(t, "poll refresh", func() bool { return h.api.lists() == before+1 })
}

func TestFileIdentityStore(t *testing.T) {
	store := NewFileIdentityStore(filepath.Join(t.TempDir(), "chat", "identity.json"))

	if _, ok, err := store.Load(); ok || err != nil {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}
	want := Identity{SessionToken: "token-1", Name: "Ann", Email: "ann@example.com"}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load()
	if err != nil || !ok || got != want {
		t.Fatalf("load = %+v ok=%v err=%v, want %+v", got, ok, err, want)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if _, ok, _ := store.Load(); ok {
		t.Fatal("expected identity to be gone")
	}
}

func TestRelayURL(t *testing.T) {
	tests := []struct {
		base string
		cred Credentials
		want string
	}{
		{"http://localhost:8080", Credentials{GuestSession: "abc"}, "ws://localhost:8080/relay/ws?guest_session=abc"},
		{"https://chat.example.com/", Credentials{BearerToken: "tok"}, "wss://chat.example.com/relay/ws?token=tok"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := relayURL(tt.base, tt.cred)
			if err != nil || got != tt.want {
				t.Fatalf("relayURL = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}
