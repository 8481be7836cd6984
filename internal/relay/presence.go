package relay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/conversation-relay/internal/domain"
)

// PresenceTracker mirrors room membership outside the process so other
// instances and the participants endpoint can see it.
type PresenceTracker interface {
	Add(ctx context.Context, conversationID string, p Participant) error
	Remove(ctx context.Context, conversationID string, p Participant) error
	List(ctx context.Context, conversationID string) ([]Participant, error)
}

// RedisPresence stores each room as a hash of participant -> join record.
type RedisPresence struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
}

type presenceRecord struct {
	ID       string            `json:"id"`
	Type     domain.SenderType `json:"type"`
	JoinedAt time.Time         `json:"joinedAt"`
}

// NewRedisPresence builds a tracker whose hashes expire after ttl without
// activity.
func NewRedisPresence(client redis.Cmdable, ttl time.Duration) *RedisPresence {
	return &RedisPresence{client: client, ttl: ttl, now: time.Now}
}

// PresenceKey is the Redis hash holding a conversation's participants.
func PresenceKey(conversationID string) string {
	return "relay:conversation:" + conversationID + ":participants"
}

func presenceField(p Participant) string {
	return string(p.Type) + ":" + p.ID
}

// Add implements PresenceTracker.
func (r *RedisPresence) Add(ctx context.Context, conversationID string, p Participant) error {
	record, err := json.Marshal(presenceRecord{ID: p.ID, Type: p.Type, JoinedAt: r.now().UTC()})
	if err != nil {
		return err
	}
	key := PresenceKey(conversationID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, presenceField(p), record)
	pipe.Expire(ctx, key, r.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove implements PresenceTracker.
func (r *RedisPresence) Remove(ctx context.Context, conversationID string, p Participant) error {
	return r.client.HDel(ctx, PresenceKey(conversationID), presenceField(p)).Err()
}

// List implements PresenceTracker.
func (r *RedisPresence) List(ctx context.Context, conversationID string) ([]Participant, error) {
	values, err := r.client.HGetAll(ctx, PresenceKey(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(values))
	for field, raw := range values {
		var record presenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil || record.ID == "" {
			// tolerate foreign writers: fall back to the field name
			kind, id, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			record = presenceRecord{ID: id, Type: domain.SenderType(kind)}
		}
		out = append(out, Participant{ID: record.ID, Type: record.Type})
	}
	sortParticipants(out)
	return out, nil
}

func sortParticipants(list []Participant) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Type != list[j].Type {
			return list[i].Type < list[j].Type
		}
		return list[i].ID < list[j].ID
	})
}
