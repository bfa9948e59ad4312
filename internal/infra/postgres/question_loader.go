package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-session-service/internal/domain"
)

// QuestionLoader loads question set JSONB from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestions(ctx context.Context, roomID string) (domain.QuestionSet, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT questions FROM question_sets WHERE room_id=$1`, roomID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuestionSet{}, fmt.Errorf("%w: room %s", domain.ErrQuestionsNotFound, roomID)
	}
	if err != nil {
		return domain.QuestionSet{}, fmt.Errorf("load questions: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return domain.QuestionSet{}, fmt.Errorf("unmarshal questions: %w", err)
	}
	return domain.QuestionSet{RoomID: roomID, Questions: questions}, nil
}

// SaveQuestions upserts the question set of a room.
func (l *QuestionLoader) SaveQuestions(ctx context.Context, set domain.QuestionSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(set.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO question_sets (room_id, questions, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET questions = EXCLUDED.questions, updated_at = now()`,
		set.RoomID, raw)
	if err != nil {
		return fmt.Errorf("save questions: %w", err)
	}
	return nil
}
