package relay

import (
	"sort"
	"sync"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// Participant is a room member as seen by peers.
type Participant struct {
	ID   string            `json:"id"`
	Type domain.SenderType `json:"type"`
}

type typingKey struct {
	ConversationID  string
	ParticipantID   string
	ParticipantType domain.SenderType
}

// TypingStore holds who is typing where. Entries only exist while typing.
type TypingStore struct {
	mu      sync.Mutex
	entries map[typingKey]struct{}
}

// NewTypingStore creates an empty store.
func NewTypingStore() *TypingStore {
	return &TypingStore{entries: map[typingKey]struct{}{}}
}

// Set records the typing flag and reports whether it changed.
func (s *TypingStore) Set(conversationID string, p Participant, isTyping bool) bool {
	key := typingKey{ConversationID: conversationID, ParticipantID: p.ID, ParticipantType: p.Type}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, was := s.entries[key]
	if isTyping {
		s.entries[key] = struct{}{}
	} else {
		delete(s.entries, key)
	}
	return was != isTyping
}

// Clear removes the participant's flag and reports whether it was set.
func (s *TypingStore) Clear(conversationID string, p Participant) bool {
	return s.Set(conversationID, p, false)
}

// IsTyping reports the current flag.
func (s *TypingStore) IsTyping(conversationID string, p Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[typingKey{ConversationID: conversationID, ParticipantID: p.ID, ParticipantType: p.Type}]
	return ok
}

// Typing lists participants currently typing in a conversation.
func (s *TypingStore) Typing(conversationID string) []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Participant
	for key := range s.entries {
		if key.ConversationID == conversationID {
			out = append(out, Participant{ID: key.ParticipantID, Type: key.ParticipantType})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of live entries.
func (s *TypingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
