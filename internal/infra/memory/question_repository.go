package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/domain"
)

// QuestionRepository caches question sets per room with a jittered TTL so a
// room restarted after eviction does not hit the backend again.
type QuestionRepository struct {
	loader app.QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedSet
}

type cachedSet struct {
	set       domain.QuestionSet
	expiresAt time.Time
}

func NewQuestionRepository(loader app.QuestionLoader, ttl time.Duration) *QuestionRepository {
	return &QuestionRepository{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSet),
	}
}

func (r *QuestionRepository) LoadQuestions(ctx context.Context, roomID string) (domain.QuestionSet, error) {
	if set, ok := r.cached(roomID); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(roomID, func() (interface{}, error) {
		if set, ok := r.cached(roomID); ok {
			return set, nil
		}
		set, err := r.loader.LoadQuestions(ctx, roomID)
		if err != nil {
			return domain.QuestionSet{}, err
		}
		// Invalid sets are returned uncached so a fixed backend is picked up on retry.
		if err := set.Validate(); err != nil {
			return set, nil
		}

		r.mu.Lock()
		r.cache[roomID] = cachedSet{
			set:       set,
			expiresAt: r.clock().Add(r.ttlWithJitter()),
		}
		r.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return domain.QuestionSet{}, err
	}
	return result.(domain.QuestionSet), nil
}

// Invalidate drops the cached set of a room.
func (r *QuestionRepository) Invalidate(roomID string) {
	r.mu.Lock()
	delete(r.cache, roomID)
	r.mu.Unlock()
}

func (r *QuestionRepository) cached(roomID string) (domain.QuestionSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[roomID]
	if !ok || !entry.expiresAt.After(r.clock()) {
		return domain.QuestionSet{}, false
	}
	return entry.set, true
}

func (r *QuestionRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(r.ttl) / 10
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

// StaticQuestionLoader serves question sets from memory (demo mode and tests).
// A room without its own set falls back to the default set when one is given.
type StaticQuestionLoader struct {
	sets     map[string]domain.QuestionSet
	fallback []domain.Question
}

func NewStaticQuestionLoader(sets map[string]domain.QuestionSet) *StaticQuestionLoader {
	return &StaticQuestionLoader{sets: sets}
}

// WithDefault makes every unknown room play questions.
func (l *StaticQuestionLoader) WithDefault(questions []domain.Question) *StaticQuestionLoader {
	l.fallback = questions
	return l
}

func (l *StaticQuestionLoader) LoadQuestions(_ context.Context, roomID string) (domain.QuestionSet, error) {
	if set, ok := l.sets[roomID]; ok {
		set.RoomID = roomID
		return set, nil
	}
	if len(l.fallback) > 0 {
		return domain.QuestionSet{RoomID: roomID, Questions: l.fallback}, nil
	}
	return domain.QuestionSet{}, domain.ErrQuestionsNotFound
}

// SampleQuestions is the built-in demo set.
func SampleQuestions() []domain.Question {
	return []domain.Question{
		{Prompt: "What is the capital of France?", Options: []string{"Berlin", "Paris", "Madrid", "Rome"}, AnswerIndex: 2},
		{Prompt: "What is the capital of Germany?", Options: []string{"Vienna", "Bern", "Berlin", "Prague"}, AnswerIndex: 3},
		{Prompt: "What is the capital of Spain?", Options: []string{"Madrid", "Lisbon", "Valencia", "Seville"}, AnswerIndex: 1},
	}
}
