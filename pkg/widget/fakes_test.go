package widget

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/spec-kit/conversation-relay/internal/api/dto"
	"github.com/spec-kit/conversation-relay/internal/relay"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	ch      chan time.Time
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, t)
	return t.ch
}

// Advance moves time forward and fires everything that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		if t.f != nil {
			t.f()
		} else {
			t.ch <- now
		}
	}
}

// waiters counts pending After channels.
func (c *fakeClock) waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.ch != nil && !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func (r *recorder) count(entry string) int {
	n := 0
	for _, e := range r.all() {
		if e == entry {
			n++
		}
	}
	return n
}

type fakeRelay struct {
	rec    *recorder
	events chan RelayEvent
}

func newFakeRelay(rec *recorder) *fakeRelay {
	return &fakeRelay{rec: rec, events: make(chan RelayEvent, 8)}
}

func (r *fakeRelay) Send(event relay.Inbound) error {
	r.rec.add("relay:" + string(event.Type) + ":" + event.ConversationID)
	return nil
}

func (r *fakeRelay) Events() <-chan RelayEvent { return r.events }

func (r *fakeRelay) Close() error {
	r.rec.add("relay:close")
	return nil
}

type fakeAPI struct {
	rec *recorder

	mu         sync.Mutex
	guests     map[string]dto.GuestResponse
	resolveErr error
	sendErr    error
	listErr    error
	convs      []dto.ConversationResponse
	messages   map[string][]dto.MessageResponse
	listCalls  int
	nextID     int
}

func newFakeAPI(rec *recorder) *fakeAPI {
	return &fakeAPI{
		rec:      rec,
		guests:   map[string]dto.GuestResponse{},
		messages: map[string][]dto.MessageResponse{},
	}
}

func apiError(status int, code string) error {
	return &APIError{Status: status, Code: code, Message: code}
}

func (a *fakeAPI) ResolveGuest(_ context.Context, cred Credentials, profile *dto.GuestProfileRequest) (*dto.GuestResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.add("api:resolve")
	if a.resolveErr != nil {
		return nil, a.resolveErr
	}
	if guest, ok := a.guests[cred.GuestSession]; ok {
		return &guest, nil
	}
	if profile == nil {
		return nil, apiError(http.StatusPreconditionRequired, apperrors.CodeIdentityRequired)
	}
	guest := dto.GuestResponse{ID: "guest-" + cred.GuestSession, Name: profile.Name, Email: profile.Email, SessionID: cred.GuestSession}
	a.guests[cred.GuestSession] = guest
	return &guest, nil
}

func (a *fakeAPI) ListConversations(context.Context, Credentials) ([]dto.ConversationResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]dto.ConversationResponse(nil), a.convs...), nil
}

func (a *fakeAPI) GetConversation(_ context.Context, _ Credentials, id string) (*dto.ConversationResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, conv := range a.convs {
		if conv.ID == id {
			c := conv
			return &c, nil
		}
	}
	return nil, apiError(http.StatusNotFound, apperrors.CodeNotFound)
}

func (a *fakeAPI) SendMessage(_ context.Context, _ Credentials, req dto.SendMessageRequest) (*dto.SendMessageResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.add("api:send")
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	convID := req.ConversationID
	if convID == "" {
		convID = "c1"
		if len(a.convs) == 0 {
			a.convs = append(a.convs, dto.ConversationResponse{ID: convID, Status: "open"})
		}
	}
	a.nextID++
	msg := dto.MessageResponse{ID: fmt.Sprintf("m%d", a.nextID), ConversationID: convID, Content: req.Content}
	a.messages[convID] = append(a.messages[convID], msg)
	return &dto.SendMessageResponse{Message: msg, Conversation: dto.ConversationResponse{ID: convID, Status: "open"}}, nil
}

func (a *fakeAPI) ListMessages(_ context.Context, _ Credentials, conversationID string) ([]dto.MessageResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return append([]dto.MessageResponse(nil), a.messages[conversationID]...), nil
}

func (a *fakeAPI) lists() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listCalls
}

func (a *fakeAPI) set(f func(a *fakeAPI)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f(a)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
