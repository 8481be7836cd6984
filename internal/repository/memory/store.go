// Package memory provides in-process repository implementations used when no
// database is configured and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/repository"
)

// Store keeps every table behind one mutex so multi-row writes are atomic.
type Store struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	guests        map[string]domain.GuestUser
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	lastTime      time.Time
	now           func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:         map[string]domain.User{},
		guests:        map[string]domain.GuestUser{},
		conversations: map[string]domain.Conversation{},
		messages:      map[string][]domain.Message{},
		now:           time.Now,
	}
}

// Conversations returns the conversation repository view.
func (s *Store) Conversations() repository.ConversationRepository { return conversationRepo{s} }

// Messages returns the message repository view.
func (s *Store) Messages() repository.MessageRepository { return messageRepo{s} }

// Guests returns the guest repository view.
func (s *Store) Guests() repository.GuestUserRepository { return guestRepo{s} }

// Users returns the user repository view.
func (s *Store) Users() repository.UserRepository { return userRepo{s} }

// AddUser seeds an account, assigning an id when missing.
func (s *Store) AddUser(user domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := s.tick()
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = user
	return user
}

// tick returns a strictly increasing timestamp, mirroring clock_timestamp().
// Callers must hold the write lock.
func (s *Store) tick() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = now
	return now
}

type userRepo struct{ s *Store }

func (r userRepo) CreateIfAbsent(_ context.Context, user *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			*user = existing
			return nil
		}
	}
	user.ID = uuid.NewString()
	now := r.s.tick()
	user.CreatedAt, user.UpdatedAt = now, now
	r.s.users[user.ID] = *user
	return nil
}

func (r userRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	user, ok := r.s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &user, nil
}

func (r userRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, user := range r.s.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type guestRepo struct{ s *Store }

func (r guestRepo) Create(_ context.Context, guest *domain.GuestUser) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.guests {
		if existing.SessionID == guest.SessionID {
			*guest = existing
			return nil
		}
	}
	guest.ID = uuid.NewString()
	guest.SessionID = strings.Clone(guest.SessionID)
	guest.Name = strings.Clone(guest.Name)
	guest.Email = strings.Clone(guest.Email)
	guest.CreatedAt = r.s.tick()
	r.s.guests[guest.ID] = *guest
	return nil
}

func (r guestRepo) GetBySessionID(_ context.Context, sessionID string) (*domain.GuestUser, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, guest := range r.s.guests {
		if guest.SessionID == sessionID {
			g := guest
			return &g, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r guestRepo) GetByID(_ context.Context, id string) (*domain.GuestUser, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	guest, ok := r.s.guests[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &guest, nil
}

type conversationRepo struct{ s *Store }

func (r conversationRepo) Create(_ context.Context, conv *domain.Conversation, initial *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.findActiveLocked(conv.Owner()); ok {
		return repository.ErrActiveConversationExists
	}
	now := r.s.tick()
	conv.ID = uuid.NewString()
	conv.LastMessageAt, conv.CreatedAt, conv.UpdatedAt = now, now, now
	r.s.conversations[conv.ID] = *conv
	if initial == nil {
		return nil
	}
	initial.ConversationID = conv.ID
	updated, err := r.s.appendLocked(initial)
	if err != nil {
		delete(r.s.conversations, conv.ID)
		return err
	}
	*conv = *updated
	return nil
}

func (r conversationRepo) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	conv, ok := r.s.conversations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &conv, nil
}

func (r conversationRepo) FindActiveByOwner(_ context.Context, owner domain.OwnerRef) (*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	conv, ok := r.s.findActiveLocked(owner)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &conv, nil
}

func (r conversationRepo) List(_ context.Context, filter repository.ConversationFilter) ([]domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	result := []domain.Conversation{}
	for _, conv := range r.s.conversations {
		if filter.UserID != nil && (conv.UserID == nil || *conv.UserID != *filter.UserID) {
			continue
		}
		if filter.GuestUserID != nil && (conv.GuestUserID == nil || *conv.GuestUserID != *filter.GuestUserID) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, conv.Status) {
			continue
		}
		result = append(result, conv)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].LastMessageAt.Equal(result[j].LastMessageAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].LastMessageAt.After(result[j].LastMessageAt)
	})
	return result, nil
}

func (r conversationRepo) UpdateStatus(_ context.Context, id string, status domain.ConversationStatus) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.conversations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if status != domain.ConversationStatusClosed && !conv.IsActive() {
		if _, exists := r.s.findActiveLocked(conv.Owner()); exists {
			return nil, repository.ErrActiveConversationExists
		}
	}
	conv.Status = status
	conv.UpdatedAt = r.s.tick()
	r.s.conversations[conv.ID] = conv
	return &conv, nil
}

func (r conversationRepo) MarkRead(_ context.Context, id string, side domain.SenderType) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	conv, ok := r.s.conversations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if side == domain.SenderTypeAdmin {
		conv.ReadByAdmin = true
	} else {
		conv.ReadByUser = true
	}
	r.s.conversations[conv.ID] = conv
	return nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) Append(_ context.Context, msg *domain.Message) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.appendLocked(msg)
}

func (r messageRepo) ListByConversation(_ context.Context, conversationID string) ([]domain.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	msgs := r.s.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) appendLocked(msg *domain.Message) (*domain.Conversation, error) {
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if conv.Status == domain.ConversationStatusClosed {
		return nil, repository.ErrConversationClosed
	}
	msg.ID = uuid.NewString()
	msg.ConversationID = conv.ID
	msg.CreatedAt = s.tick()
	s.messages[conv.ID] = append(s.messages[conv.ID], *msg)

	conv.ReadByUser, conv.ReadByAdmin = domain.ReadFlagsAfter(msg.SenderType)
	conv.LastMessageAt = msg.CreatedAt
	conv.UpdatedAt = msg.CreatedAt
	if conv.Status == domain.ConversationStatusPending {
		conv.Status = domain.ConversationStatusOpen
	}
	s.conversations[conv.ID] = conv
	return &conv, nil
}

func (s *Store) findActiveLocked(owner domain.OwnerRef) (domain.Conversation, bool) {
	var (
		found domain.Conversation
		ok    bool
	)
	for _, conv := range s.conversations {
		if !conv.IsActive() || !sameOwner(conv.Owner(), owner) {
			continue
		}
		if !ok || conv.LastMessageAt.After(found.LastMessageAt) {
			found, ok = conv, true
		}
	}
	return found, ok
}

func sameOwner(a, b domain.OwnerRef) bool {
	return a.SenderType() == b.SenderType() && a.ID() == b.ID()
}

func containsStatus(list []domain.ConversationStatus, status domain.ConversationStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
