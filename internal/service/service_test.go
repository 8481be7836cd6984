package service

import (
	"context"
	"sync"
	"testing"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/events"
	"github.com/spec-kit/conversation-relay/internal/repository/memory"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

const (
	sessionA = "2b6f0d4e-1c8a-4f43-8d1f-2f4b8f1a0c01"
	sessionB = "2b6f0d4e-1c8a-4f43-8d1f-2f4b8f1a0c02"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, event events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Subscribe(events.EventType, events.EventHandler) {}

func (d *recordingDispatcher) types() []events.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.EventType, len(d.events))
	for i, e := range d.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	store         *memory.Store
	identity      *IdentityService
	conversations *ConversationService
	messages      *MessageService
	dispatcher    *recordingDispatcher
	user          domain.User
	otherUser     domain.User
	admin         domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	dispatcher := &recordingDispatcher{}
	conversations := NewConversationService(ConversationDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		UserRepo:         store.Users(),
		GuestRepo:        store.Guests(),
		Dispatcher:       dispatcher,
	})
	return &fixture{
		store:         store,
		identity:      NewIdentityService(store.Guests(), nil),
		conversations: conversations,
		messages:      NewMessageService(store.Messages(), conversations),
		dispatcher:    dispatcher,
		user:          store.AddUser(domain.User{Name: "Ana", Email: "ana@example.com", Role: domain.UserRoleUser}),
		otherUser:     store.AddUser(domain.User{Name: "Bo", Email: "bo@example.com", Role: domain.UserRoleUser}),
		admin:         store.AddUser(domain.User{Name: "Sam", Email: "sam@example.com", Role: domain.UserRoleAdmin}),
	}
}

func (f *fixture) guest(t *testing.T, session string) domain.Actor {
	t.Helper()
	guest, err := f.identity.ResolveOrCreateGuest(context.Background(), session, &domain.GuestProfile{Name: "Guest", Email: "guest@example.com"})
	if err != nil {
		t.Fatalf("resolve guest: %v", err)
	}
	return domain.GuestActor(guest.ID)
}

func (f *fixture) send(t *testing.T, actor domain.Actor, conversationID, content string) *SendMessageResult {
	t.Helper()
	result, err := f.messages.Send(context.Background(), actor, SendMessageInput{
		ConversationID: conversationID,
		Message:        MessageInput{Content: content},
	})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return result
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if !apperrors.HasCode(err, code) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestResolveOrCreateGuest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := &domain.GuestProfile{Name: " Guest ", Email: "guest@example.com"}

	_, err := f.identity.ResolveOrCreateGuest(ctx, sessionA, nil)
	assertCode(t, err, apperrors.CodeIdentityRequired)

	first, err := f.identity.ResolveOrCreateGuest(ctx, sessionA, profile)
	if err != nil {
		t.Fatalf("create guest: %v", err)
	}
	if first.Name != "Guest" {
		t.Fatalf("name not trimmed: %q", first.Name)
	}
	second, err := f.identity.ResolveOrCreateGuest(ctx, sessionA, nil)
	if err != nil {
		t.Fatalf("resolve guest: %v", err)
	}
	third, err := f.identity.ResolveOrCreateGuest(ctx, sessionA, &domain.GuestProfile{Name: "Other", Email: "o@example.com"})
	if err != nil {
		t.Fatalf("resolve with profile: %v", err)
	}
	if first.ID != second.ID || first.ID != third.ID {
		t.Fatalf("guest identity not stable: %s %s %s", first.ID, second.ID, third.ID)
	}

	byToken, err := f.identity.GetGuestBySession(ctx, sessionA)
	if err != nil || byToken.ID != first.ID {
		t.Fatalf("GetGuestBySession = %v, %v", byToken, err)
	}
	_, err = f.identity.GetGuestBySession(ctx, sessionB)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestResolveOrCreateGuestValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		session string
		profile *domain.GuestProfile
		code    string
	}{
		{name: "malformed session", session: "not-a-uuid", profile: &domain.GuestProfile{Name: "G", Email: "g@example.com"}, code: apperrors.CodeInvalidGuestSession},
		{name: "missing name", session: sessionA, profile: &domain.GuestProfile{Email: "g@example.com"}, code: apperrors.CodeValidationFailed},
		{name: "bad email", session: sessionA, profile: &domain.GuestProfile{Name: "G", Email: "nope"}, code: apperrors.CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.identity.ResolveOrCreateGuest(context.Background(), tt.session, tt.profile)
			assertCode(t, err, tt.code)
		})
	}
}

func TestCreateConversationRejectsInvalidOwner(t *testing.T) {
	f := newFixture(t)
	admin := domain.AdminActor(f.admin.ID)
	userID, guestID := f.user.ID, "guest-x"

	tests := []struct {
		name  string
		owner domain.OwnerRef
	}{
		{name: "neither", owner: domain.OwnerRef{}},
		{name: "both", owner: domain.OwnerRef{UserID: &userID, GuestUserID: &guestID}},
		{name: "empty strings", owner: domain.OwnerRef{UserID: new(string)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.conversations.Create(context.Background(), admin, CreateConversationInput{Owner: tt.owner})
			assertCode(t, err, apperrors.CodeInvalidOwner)
		})
	}
	all, _ := f.conversations.ListOpenForAdmin(context.Background())
	if len(all) != 0 {
		t.Fatalf("invalid owners must not persist anything, found %d", len(all))
	}
}

func TestAdminCreateRequiresExistingOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := domain.AdminActor(f.admin.ID)

	_, err := f.conversations.Create(ctx, admin, CreateConversationInput{Owner: domain.UserOwner("7c1e9a52-3f4b-4d8e-9a61-0b2d4c6e8f10")})
	assertCode(t, err, apperrors.CodeNotFound)
	_, err = f.conversations.Create(ctx, admin, CreateConversationInput{Owner: domain.GuestOwner("5b0d3e71-9c2a-4f6b-8e14-a3c5d7f9b120")})
	assertCode(t, err, apperrors.CodeNotFound)

	all, _ := f.conversations.ListOpenForAdmin(ctx)
	if len(all) != 0 {
		t.Fatalf("missing owners must not persist anything, found %d", len(all))
	}

	guest := f.guest(t, sessionA)
	for _, owner := range []domain.OwnerRef{domain.UserOwner(f.user.ID), domain.GuestOwner(guest.ID)} {
		result, err := f.conversations.Create(ctx, admin, CreateConversationInput{Owner: owner})
		if err != nil || !result.Created {
			t.Fatalf("create for %s %s: %+v, %v", owner.SenderType(), owner.ID(), result, err)
		}
	}
}

func TestCreateConversationReusesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserActor(f.user.ID)

	first, err := f.conversations.Create(ctx, user, CreateConversationInput{Owner: domain.UserOwner(f.user.ID), Subject: "Booking"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.Created || first.Conversation.Status != domain.ConversationStatusOpen {
		t.Fatalf("unexpected first create %+v", first)
	}
	second, err := f.conversations.Create(ctx, user, CreateConversationInput{
		Owner:          domain.UserOwner(f.user.ID),
		InitialMessage: &MessageInput{Content: "again"},
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("expected reuse of %s, got %+v", first.Conversation.ID, second)
	}
	if second.Message == nil || second.Message.Content != "again" {
		t.Fatalf("initial message not appended on reuse: %+v", second.Message)
	}

	_, err = f.conversations.Create(ctx, domain.UserActor(f.otherUser.ID), CreateConversationInput{Owner: domain.UserOwner(f.user.ID)})
	assertCode(t, err, apperrors.CodeAccessDenied)

	if _, err := f.conversations.Close(ctx, user, first.Conversation.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	third, err := f.conversations.Create(ctx, user, CreateConversationInput{Owner: domain.UserOwner(f.user.ID)})
	if err != nil {
		t.Fatalf("create after close: %v", err)
	}
	if !third.Created || third.Conversation.ID == first.Conversation.ID {
		t.Fatal("closing must allow a fresh conversation")
	}
}

func TestGuestFirstMessageScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guest(t, sessionA)

	result := f.send(t, guest, "", "Hello")
	conv := result.Conversation
	if conv.Status != domain.ConversationStatusOpen || conv.UserID != nil || conv.GuestUserID == nil || *conv.GuestUserID != guest.ID {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if conv.ReadByAdmin || !conv.ReadByUser {
		t.Fatalf("flags after guest message: user=%v admin=%v", conv.ReadByUser, conv.ReadByAdmin)
	}

	msgs, err := f.messages.List(ctx, guest, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello" || msgs[0].SenderType != domain.SenderTypeGuest || msgs[0].SenderID != guest.ID {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	got := f.dispatcher.types()
	if len(got) != 2 || got[0] != events.EventConversationCreated || got[1] != events.EventMessageAppended {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestAdminReplyAndReadSideEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	guest := f.guest(t, sessionA)
	admin := domain.AdminActor(f.admin.ID)

	first := f.send(t, guest, "", "Hello")
	reply := f.send(t, admin, first.Conversation.ID, "Hi, how can I help?")
	if reply.Conversation.ReadByUser || !reply.Conversation.ReadByAdmin {
		t.Fatalf("flags after admin reply: user=%v admin=%v", reply.Conversation.ReadByUser, reply.Conversation.ReadByAdmin)
	}
	if !reply.Conversation.LastMessageAt.After(first.Conversation.LastMessageAt) {
		t.Fatal("last_message_at must advance")
	}

	msgs, err := f.messages.List(ctx, guest, first.Conversation.ID)
	if err != nil {
		t.Fatalf("guest list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "Hello" || msgs[1].Content != "Hi, how can I help?" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	conv, err := f.conversations.Get(ctx, guest, first.Conversation.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !conv.ReadByUser || !conv.ReadByAdmin {
		t.Fatalf("guest read must set read_by_user: %+v", conv)
	}
}

func TestReadFlagsAreOverwrittenNotAccumulated(t *testing.T) {
	f := newFixture(t)
	user := domain.UserActor(f.user.ID)
	admin := domain.AdminActor(f.admin.ID)
	conv := f.send(t, user, "", "one").Conversation

	sequence := []struct {
		actor       domain.Actor
		readByUser  bool
		readByAdmin bool
	}{
		{admin, false, true},
		{admin, false, true},
		{user, true, false},
		{user, true, false},
		{admin, false, true},
	}
	for i, step := range sequence {
		got := f.send(t, step.actor, conv.ID, "msg").Conversation
		if got.ReadByUser != step.readByUser || got.ReadByAdmin != step.readByAdmin {
			t.Fatalf("step %d: user=%v admin=%v", i, got.ReadByUser, got.ReadByAdmin)
		}
	}
}

func TestAppendOrderingRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserActor(f.user.ID)
	conv := f.send(t, user, "", "m0").Conversation

	admin := domain.AdminActor(f.admin.ID)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		actor := user
		if i%2 == 1 {
			actor = admin
		}
		wg.Add(1)
		go func(actor domain.Actor) {
			defer wg.Done()
			if _, err := f.messages.Send(ctx, actor, SendMessageInput{ConversationID: conv.ID, Message: MessageInput{Content: "x"}}); err != nil {
				t.Errorf("concurrent send: %v", err)
			}
		}(actor)
	}
	wg.Wait()

	msgs, err := f.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 21 {
		t.Fatalf("expected 21 messages, got %d", len(msgs))
	}
	seen := map[string]bool{}
	for i, msg := range msgs {
		if seen[msg.ID] {
			t.Fatalf("duplicate message %s", msg.ID)
		}
		seen[msg.ID] = true
		if i > 0 && msg.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}
}

func TestGuestCannotReadOthersConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.guest(t, sessionA)
	intruder := f.guest(t, sessionB)
	conv := f.send(t, owner, "", "private").Conversation

	_, err := f.messages.List(ctx, intruder, conv.ID)
	assertCode(t, err, apperrors.CodeAccessDenied)
	_, err = f.conversations.Get(ctx, intruder, conv.ID)
	assertCode(t, err, apperrors.CodeAccessDenied)
	_, err = f.messages.Send(ctx, intruder, SendMessageInput{ConversationID: conv.ID, Message: MessageInput{Content: "hi"}})
	assertCode(t, err, apperrors.CodeAccessDenied)
	err = f.conversations.AuthorizeJoin(ctx, intruder, conv.ID)
	assertCode(t, err, apperrors.CodeAccessDenied)

	_, err = f.conversations.Get(ctx, owner, "missing")
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestCloseAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserActor(f.user.ID)
	other := domain.UserActor(f.otherUser.ID)
	admin := domain.AdminActor(f.admin.ID)
	guest := f.guest(t, sessionA)

	userConv := f.send(t, user, "", "help").Conversation
	guestConv := f.send(t, guest, "", "help").Conversation

	_, err := f.conversations.Close(ctx, other, userConv.ID)
	assertCode(t, err, apperrors.CodeForbidden)
	_, err = f.conversations.Close(ctx, guest, guestConv.ID)
	assertCode(t, err, apperrors.CodeForbidden)
	_, err = f.conversations.Close(ctx, admin, "missing")
	assertCode(t, err, apperrors.CodeNotFound)

	closed, err := f.conversations.Close(ctx, admin, userConv.ID)
	if err != nil {
		t.Fatalf("admin close: %v", err)
	}
	if closed.Status != domain.ConversationStatusClosed || closed.UserID == nil || closed.GuestUserID != nil {
		t.Fatalf("unexpected closed conversation %+v", closed)
	}
	again, err := f.conversations.Close(ctx, user, userConv.ID)
	if err != nil || again.Status != domain.ConversationStatusClosed {
		t.Fatalf("closing twice should succeed: %v", err)
	}

	_, err = f.messages.Send(ctx, user, SendMessageInput{ConversationID: userConv.ID, Message: MessageInput{Content: "late"}})
	assertCode(t, err, apperrors.CodeConversationClosed)
}

func TestListIsRoleScopedAndOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserActor(f.user.ID)
	other := domain.UserActor(f.otherUser.ID)
	admin := domain.AdminActor(f.admin.ID)

	a := f.send(t, user, "", "a").Conversation
	b := f.send(t, other, "", "b").Conversation
	f.send(t, user, a.ID, "a again")

	adminList, err := f.conversations.List(ctx, admin)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(adminList) != 2 || adminList[0].ID != a.ID || adminList[1].ID != b.ID {
		t.Fatalf("admin list not ordered by activity: %+v", adminList)
	}

	if _, err := f.conversations.Close(ctx, admin, b.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	adminList, _ = f.conversations.List(ctx, admin)
	if len(adminList) != 1 || adminList[0].ID != a.ID {
		t.Fatalf("closed conversations must drop off the admin list: %+v", adminList)
	}
	otherList, _ := f.conversations.List(ctx, other)
	if len(otherList) != 1 || otherList[0].ID != b.ID {
		t.Fatalf("owner keeps closed conversations: %+v", otherList)
	}
}

func TestPendingReopensOnAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := domain.UserActor(f.user.ID)
	conv := f.send(t, user, "", "hi").Conversation
	if _, err := f.store.Conversations().UpdateStatus(ctx, conv.ID, domain.ConversationStatusPending); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	reply := f.send(t, domain.AdminActor(f.admin.ID), conv.ID, "back")
	if reply.Conversation.Status != domain.ConversationStatusOpen {
		t.Fatalf("status = %s, want open", reply.Conversation.Status)
	}
}

func TestMessageValidation(t *testing.T) {
	f := newFixture(t)
	user := domain.UserActor(f.user.ID)
	url := "https://cdn.example.com/f.pdf"
	tests := []struct {
		name  string
		input MessageInput
		code  string
	}{
		{name: "empty", input: MessageInput{Content: ""}, code: apperrors.CodeInvalidContent},
		{name: "whitespace", input: MessageInput{Content: " \n\t"}, code: apperrors.CodeInvalidContent},
		{name: "unknown type", input: MessageInput{Content: "x", MessageType: "video"}, code: apperrors.CodeInvalidContent},
		{name: "file without url", input: MessageInput{Content: "x", MessageType: domain.MessageTypeFile}, code: apperrors.CodeInvalidContent},
		{name: "file with url", input: MessageInput{Content: "x", MessageType: domain.MessageTypeFile, FileURL: &url}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.messages.Send(context.Background(), user, SendMessageInput{Message: tt.input})
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			assertCode(t, err, tt.code)
		})
	}

	_, err := f.messages.Send(context.Background(), domain.AdminActor(f.admin.ID), SendMessageInput{Message: MessageInput{Content: "x"}})
	assertCode(t, err, apperrors.CodeValidationFailed)
}

func TestStringPreview(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"abcdefghij", 6, "abc..."},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := stringPreview(tt.in, tt.max); got != tt.want {
			t.Errorf("stringPreview(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
