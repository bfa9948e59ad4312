package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// QuestionRepository caches question sets in Redis and falls back to a loader on cache miss.
// Sets are stored as JSON: SET quiz:room:{roomID}:questions {json} EX {ttl}
type QuestionRepository struct {
	client *redis.Client
	loader app.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuestionRepository(client *redis.Client, loader app.QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *QuestionRepository) LoadQuestions(ctx context.Context, roomID string) (domain.QuestionSet, error) {
	if set, ok := r.cached(ctx, roomID); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(roomID, func() (interface{}, error) {
		// Re-check cache in case another instance filled it.
		if set, ok := r.cached(ctx, roomID); ok {
			return set, nil
		}

		set, err := r.loader.LoadQuestions(ctx, roomID)
		if err != nil {
			return domain.QuestionSet{}, err
		}
		if err := set.Validate(); err != nil {
			return set, nil
		}

		raw, err := json.Marshal(set)
		if err != nil {
			return domain.QuestionSet{}, err
		}
		if err := r.client.Set(ctx, questionsKey(roomID), raw, r.ttlWithJitter()).Err(); err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Msg("failed to cache questions")
		}
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return result.(domain.QuestionSet), nil
}

// Invalidate drops the cached set of a room.
func (r *QuestionRepository) Invalidate(ctx context.Context, roomID string) error {
	return r.client.Del(ctx, questionsKey(roomID)).Err()
}

func (r *QuestionRepository) cached(ctx context.Context, roomID string) (domain.QuestionSet, bool) {
	raw, err := r.client.Get(ctx, questionsKey(roomID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("room_id", roomID).Msg("question cache unavailable")
		}
		return domain.QuestionSet{}, false
	}
	var set domain.QuestionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("discarding corrupt cached questions")
		return domain.QuestionSet{}, false
	}
	return set, true
}

func questionsKey(roomID string) string {
	return "quiz:room:" + roomID + ":questions"
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
