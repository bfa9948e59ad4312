package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SessionRepository tracks the live sessions of this process.
type SessionRepository interface {
	Get(roomID string) (*Session, bool)
	Put(roomID string, session *Session)
	// Delete removes the entry only if it still points at session.
	Delete(roomID string, session *Session) bool
	RoomIDs() []string
}

// Registry creates sessions on first use and forgets them when they close.
type Registry struct {
	store SessionRepository
	deps  SessionDeps
	sf    singleflight.Group
}

func NewRegistry(store SessionRepository, deps SessionDeps) *Registry {
	if deps.Timers == nil {
		deps.Timers = NewTimerService(nil)
	}
	return &Registry{store: store, deps: deps}
}

// GetOrCreate returns the live session for roomID, starting one if needed.
// Concurrent callers for the same room share a single creation.
func (r *Registry) GetOrCreate(roomID string) *Session {
	if s, ok := r.store.Get(roomID); ok {
		return s
	}
	result, _, _ := r.sf.Do(roomID, func() (interface{}, error) {
		if s, ok := r.store.Get(roomID); ok {
			return s, nil
		}
		s := newSession(roomID, r.deps, r.remove)
		r.store.Put(roomID, s)
		s.start()
		log.Info().Str("room_id", roomID).Msg("room created")
		return s, nil
	})
	return result.(*Session)
}

// Get returns the live session for roomID without creating one.
func (r *Registry) Get(roomID string) (*Session, bool) {
	return r.store.Get(roomID)
}

// RoomIDs lists the live rooms.
func (r *Registry) RoomIDs() []string {
	return r.store.RoomIDs()
}

// CloseAll terminates every live session, notifying their connections.
func (r *Registry) CloseAll(ctx context.Context, reason string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.store.RoomIDs() {
		s, ok := r.store.Get(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Close(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) remove(s *Session) {
	r.store.Delete(s.ID(), s)
}
