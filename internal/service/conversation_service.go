package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/domain"
	"github.com/spec-kit/conversation-relay/internal/events"
	"github.com/spec-kit/conversation-relay/internal/repository"
	apperrors "github.com/spec-kit/conversation-relay/pkg/util"
)

// ConversationService is the conversation ledger: lifecycle, ownership
// checks and read-state bookkeeping.
type ConversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	users         repository.UserRepository
	guests        repository.GuestUserRepository
	events        eventPublisher
	logger        *zap.Logger
}

// ConversationDependencies bundles collaborators for the ledger.
type ConversationDependencies struct {
	ConversationRepo repository.ConversationRepository
	MessageRepo      repository.MessageRepository
	UserRepo         repository.UserRepository
	GuestRepo        repository.GuestUserRepository
	Dispatcher       events.Dispatcher
	Logger           *zap.Logger
}

// CreateConversationInput describes a conversation start.
type CreateConversationInput struct {
	Owner          domain.OwnerRef
	Subject        string
	InitialMessage *MessageInput
}

// CreateConversationResult reports what the create call did.
type CreateConversationResult struct {
	Conversation *domain.Conversation
	Message      *domain.Message
	Created      bool
}

// NewConversationService constructs the service.
func NewConversationService(deps ConversationDependencies) *ConversationService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		conversations: deps.ConversationRepo,
		messages:      deps.MessageRepo,
		users:         deps.UserRepo,
		guests:        deps.GuestRepo,
		events:        eventPublisher{dispatcher: deps.Dispatcher},
		logger:        logger,
	}
}

// Create opens a conversation for the owner or reuses the owner's active
// one. An initial message is appended in the same operation either way.
func (s *ConversationService) Create(ctx context.Context, actor domain.Actor, input CreateConversationInput) (*CreateConversationResult, error) {
	if !input.Owner.Valid() {
		return nil, apperrors.NewInvalidOwner("exactly one of userId or guestUserId must be set")
	}
	if !actorIsOwner(actor, input.Owner) {
		if !actor.IsAdmin() {
			return nil, apperrors.NewAccessDenied("conversation")
		}
		if err := s.ownerExists(ctx, input.Owner); err != nil {
			return nil, err
		}
	}

	var initial *MessageInput
	if input.InitialMessage != nil {
		normalized, err := input.InitialMessage.normalize()
		if err != nil {
			return nil, err
		}
		initial = &normalized
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.conversations.FindActiveByOwner(ctx, input.Owner)
		switch {
		case err == nil:
			return s.reuse(ctx, actor, existing, initial)
		case !isNoRows(err):
			return nil, persistenceError(err)
		}

		conv := &domain.Conversation{
			UserID:      input.Owner.UserID,
			GuestUserID: input.Owner.GuestUserID,
			Subject:     strings.TrimSpace(input.Subject),
			Status:      domain.ConversationStatusOpen,
		}
		var msg *domain.Message
		if initial != nil {
			msg = initial.toMessage("", actor.Sender())
		}
		err = s.conversations.Create(ctx, conv, msg)
		if errors.Is(err, repository.ErrActiveConversationExists) {
			// lost a race with a concurrent create; reuse the winner
			continue
		}
		if err != nil {
			return nil, persistenceError(err)
		}

		s.events.publish(ctx, events.Event{
			Type:           events.EventConversationCreated,
			ConversationID: conv.ID,
			Actor:          events.ActorFrom(actor),
			Payload: events.ConversationCreatedPayload{
				OwnerType: input.Owner.SenderType(),
				OwnerID:   input.Owner.ID(),
				Subject:   conv.Subject,
			},
		})
		if msg != nil {
			s.events.messageAppended(ctx, actor, msg)
		}
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("owner_type", string(input.Owner.SenderType())))
		return &CreateConversationResult{Conversation: conv, Message: msg, Created: true}, nil
	}
	return nil, apperrors.NewConflict("conversation is being created concurrently", nil)
}

// ownerExists checks an owner named by someone other than the owner.
func (s *ConversationService) ownerExists(ctx context.Context, owner domain.OwnerRef) error {
	var err error
	resource, key := "user", "userId"
	if owner.SenderType() == domain.SenderTypeGuest {
		resource, key = "guest", "guestUserId"
		_, err = s.guests.GetByID(ctx, owner.ID())
	} else {
		_, err = s.users.GetByID(ctx, owner.ID())
	}
	if isNoRows(err) {
		return apperrors.NewNotFound(resource, map[string]any{key: owner.ID()})
	}
	if err != nil {
		return persistenceError(err)
	}
	return nil
}

func (s *ConversationService) reuse(ctx context.Context, actor domain.Actor, conv *domain.Conversation, initial *MessageInput) (*CreateConversationResult, error) {
	result := &CreateConversationResult{Conversation: conv}
	if initial == nil {
		return result, nil
	}
	msg, updated, err := s.append(ctx, actor, conv.ID, *initial)
	if err != nil {
		return nil, err
	}
	result.Conversation, result.Message = updated, msg
	return result, nil
}

// Get fetches one conversation the actor may access.
func (s *ConversationService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
		}
		return nil, persistenceError(err)
	}
	if !CanAccess(actor, conv) {
		return nil, apperrors.NewAccessDenied("conversation")
	}
	return conv, nil
}

// AuthorizeJoin checks that the actor may subscribe to the conversation's
// relay room.
func (s *ConversationService) AuthorizeJoin(ctx context.Context, actor domain.Actor, conversationID string) error {
	_, err := s.Get(ctx, actor, conversationID)
	return err
}

// List returns the conversations visible to the actor: every active one for
// admins, the caller's own otherwise.
func (s *ConversationService) List(ctx context.Context, actor domain.Actor) ([]domain.Conversation, error) {
	switch actor.Type {
	case domain.SubjectTypeAdmin:
		return s.ListOpenForAdmin(ctx)
	case domain.SubjectTypeGuest:
		return s.ListForGuest(ctx, actor.ID)
	default:
		return s.ListForUser(ctx, actor.ID)
	}
}

// ListForUser returns a user's conversations, most recently active first.
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return s.list(ctx, repository.ConversationFilter{UserID: &userID})
}

// ListForGuest returns a guest's conversations, most recently active first.
func (s *ConversationService) ListForGuest(ctx context.Context, guestID string) ([]domain.Conversation, error) {
	return s.list(ctx, repository.ConversationFilter{GuestUserID: &guestID})
}

// ListOpenForAdmin returns every open or pending conversation.
func (s *ConversationService) ListOpenForAdmin(ctx context.Context) ([]domain.Conversation, error) {
	return s.list(ctx, repository.ConversationFilter{
		Statuses: []domain.ConversationStatus{domain.ConversationStatusOpen, domain.ConversationStatusPending},
	})
}

func (s *ConversationService) list(ctx context.Context, filter repository.ConversationFilter) ([]domain.Conversation, error) {
	result, err := s.conversations.List(ctx, filter)
	if err != nil {
		return nil, persistenceError(err)
	}
	return result, nil
}

// Close marks a conversation closed. Only admins and the owning user may
// close; guests never can. Closing twice is a no-op.
func (s *ConversationService) Close(ctx context.Context, actor domain.Actor, id string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
		}
		return nil, persistenceError(err)
	}
	switch actor.Type {
	case domain.SubjectTypeAdmin:
	case domain.SubjectTypeUser:
		if !actor.Owns(conv) {
			return nil, apperrors.NewForbidden("only the owner or an admin may close this conversation")
		}
	default:
		return nil, apperrors.NewForbidden("guests cannot close conversations")
	}
	if conv.Status == domain.ConversationStatusClosed {
		return conv, nil
	}

	previous := conv.Status
	closed, err := s.conversations.UpdateStatus(ctx, id, domain.ConversationStatusClosed)
	if err != nil {
		return nil, persistenceError(err)
	}
	s.events.publish(ctx, events.Event{
		Type:           events.EventConversationClosed,
		ConversationID: closed.ID,
		Actor:          events.ActorFrom(actor),
		Payload:        events.ConversationClosedPayload{PreviousStatus: previous},
	})
	return closed, nil
}

// MarkRead records that the actor's side has seen the conversation.
func (s *ConversationService) MarkRead(ctx context.Context, actor domain.Actor, conv *domain.Conversation) error {
	side := domain.SenderTypeUser
	switch {
	case actor.IsAdmin():
		side = domain.SenderTypeAdmin
	case !actor.Owns(conv):
		return nil
	}
	if err := s.conversations.MarkRead(ctx, conv.ID, side); err != nil {
		return persistenceError(err)
	}
	if side == domain.SenderTypeAdmin {
		conv.ReadByAdmin = true
	} else {
		conv.ReadByUser = true
	}
	return nil
}

// append writes one message through the log and publishes it.
func (s *ConversationService) append(ctx context.Context, actor domain.Actor, conversationID string, input MessageInput) (*domain.Message, *domain.Conversation, error) {
	msg := input.toMessage(conversationID, actor.Sender())
	conv, err := s.appendRaw(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	s.events.messageAppended(ctx, actor, msg)
	return msg, conv, nil
}

func (s *ConversationService) appendRaw(ctx context.Context, msg *domain.Message) (*domain.Conversation, error) {
	conv, err := s.messages.Append(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConversationClosed):
			return nil, apperrors.NewConversationClosed(msg.ConversationID)
		case isNoRows(err):
			return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": msg.ConversationID})
		}
		return nil, persistenceError(err)
	}
	return conv, nil
}

// CanAccess applies the ownership rule: admins see everything, users and
// guests only what they own.
func CanAccess(actor domain.Actor, conv *domain.Conversation) bool {
	return actor.IsAdmin() || actor.Owns(conv)
}

func actorIsOwner(actor domain.Actor, owner domain.OwnerRef) bool {
	return actor.SenderType() == owner.SenderType() && actor.ID == owner.ID()
}
