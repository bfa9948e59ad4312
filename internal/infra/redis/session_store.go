package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/infra/memory"
)

// SessionStore keeps sessions in process and advertises them in Redis.
// Notes:
//   - Sessions are single-writer actors, so the session itself never leaves
//     this process; Redis only holds liveness markers naming the owner instance.
//   - Markers expire unless Refresh runs more often than the TTL, so a crashed
//     instance stops advertising its rooms on its own.
type SessionStore struct {
	*memory.SessionStore
	client   *redis.Client
	ttl      time.Duration
	instance string
}

func NewSessionStore(client *redis.Client, ttl time.Duration, instance string) *SessionStore {
	return &SessionStore{
		SessionStore: memory.NewSessionStore(),
		client:       client,
		ttl:          ttl,
		instance:     instance,
	}
}

// markerTimeout bounds each marker write.
const markerTimeout = 2 * time.Second

func (s *SessionStore) Put(roomID string, session *app.Session) {
	s.SessionStore.Put(roomID, session)
	// best-effort liveness marker
	ctx, cancel := context.WithTimeout(context.Background(), markerTimeout)
	defer cancel()
	if err := s.client.Set(ctx, sessionKey(roomID), s.instance, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to set session marker")
	}
}

// Delete is called from the closing session's own goroutine, so the marker is
// cleared in the background.
func (s *SessionStore) Delete(roomID string, session *app.Session) bool {
	if !s.SessionStore.Delete(roomID, session) {
		return false
	}
	go s.clearMarker(roomID)
	return true
}

func (s *SessionStore) clearMarker(roomID string) {
	// A room recreated meanwhile keeps its marker; Refresh restores one lost to a race.
	if _, ok := s.SessionStore.Get(roomID); ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), markerTimeout)
	defer cancel()
	if err := s.client.Del(ctx, sessionKey(roomID)).Err(); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to clear session marker")
	}
}

// Refresh extends the markers of every local room.
func (s *SessionStore) Refresh(ctx context.Context) error {
	ids := s.RoomIDs()
	if len(ids) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, sessionKey(id), s.instance, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Owner returns the instance advertising roomID, or "" if none does.
func (s *SessionStore) Owner(ctx context.Context, roomID string) (string, error) {
	owner, err := s.client.Get(ctx, sessionKey(roomID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

func sessionKey(roomID string) string {
	return "quiz:session:" + roomID
}
