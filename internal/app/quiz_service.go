package app

import (
	"context"
	"errors"
	"sort"

	"quiz-session-service/internal/domain"
)

// QuizService routes player and operator actions to the session owning a room.
type QuizService struct {
	registry *Registry
}

func NewQuizService(registry *Registry) *QuizService {
	return &QuizService{registry: registry}
}

// Join binds a connection to roomID, creating the room on first use.
func (s *QuizService) Join(ctx context.Context, roomID string, identity domain.Identity, connID string) (domain.Snapshot, error) {
	session := s.registry.GetOrCreate(roomID)
	snap, err := session.Join(ctx, identity, connID)
	if errors.Is(err, domain.ErrRoomClosed) {
		// The room closed between lookup and join; the next lookup creates a fresh one.
		session = s.registry.GetOrCreate(roomID)
		snap, err = session.Join(ctx, identity, connID)
	}
	return snap, err
}

// Leave unbinds a connection. Unknown rooms are ignored.
func (s *QuizService) Leave(ctx context.Context, roomID, playerID, connID string) error {
	session, ok := s.registry.Get(roomID)
	if !ok {
		return nil
	}
	err := session.Leave(ctx, playerID, connID)
	if errors.Is(err, domain.ErrRoomClosed) {
		return nil
	}
	return err
}

func (s *QuizService) StartGame(ctx context.Context, roomID, playerID string) error {
	session, err := s.session(roomID)
	if err != nil {
		return err
	}
	return session.StartGame(ctx, playerID)
}

func (s *QuizService) SubmitAnswer(ctx context.Context, roomID, playerID string, sub Submission) error {
	session, err := s.session(roomID)
	if err != nil {
		return err
	}
	return session.SubmitAnswer(ctx, playerID, sub)
}

func (s *QuizService) Snapshot(ctx context.Context, roomID, playerID string) (domain.Snapshot, error) {
	session, err := s.session(roomID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return session.Snapshot(ctx, playerID)
}

// Advance skips the remaining time of the active question or reveal.
func (s *QuizService) Advance(ctx context.Context, roomID string) error {
	session, err := s.session(roomID)
	if err != nil {
		return err
	}
	return session.Advance(ctx)
}

func (s *QuizService) CloseRoom(ctx context.Context, roomID, reason string) error {
	session, err := s.session(roomID)
	if err != nil {
		return err
	}
	return session.Close(ctx, reason)
}

// Rooms returns an observer snapshot of every live room, ordered by room id.
func (s *QuizService) Rooms(ctx context.Context) ([]domain.Snapshot, error) {
	ids := s.registry.RoomIDs()
	sort.Strings(ids)
	rooms := make([]domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		session, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		snap, err := session.Snapshot(ctx, "")
		if errors.Is(err, domain.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, snap)
	}
	return rooms, nil
}

// Shutdown closes every room.
func (s *QuizService) Shutdown(ctx context.Context) error {
	return s.registry.CloseAll(ctx, "server shutting down")
}

func (s *QuizService) session(roomID string) (*Session, error) {
	session, ok := s.registry.Get(roomID)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return session, nil
}
