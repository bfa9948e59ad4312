package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"quiz-session-service/internal/domain"
)

type quizResult struct {
	bun.BaseModel `bun:"table:quiz_results,alias:qr"`

	ID          int64     `bun:"id,pk,autoincrement"`
	RoomID      string    `bun:"room_id,notnull"`
	PlayerID    string    `bun:"player_id,notnull"`
	DisplayName string    `bun:"display_name,notnull"`
	Rank        int       `bun:"rank,notnull"`
	Score       int       `bun:"score,notnull"`
	Questions   int       `bun:"questions,notnull"`
	FinishedAt  time.Time `bun:"finished_at,notnull"`
}

// OpenDB opens a bun handle over the pgdriver connector.
func OpenDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// ResultStore archives finished games, one row per ranked player.
type ResultStore struct {
	db *bun.DB
}

func NewResultStore(db *bun.DB) *ResultStore {
	return &ResultStore{db: db}
}

func (s *ResultStore) RecordResult(ctx context.Context, result domain.GameResult) error {
	if len(result.Ranking) == 0 {
		return nil
	}
	rows := make([]quizResult, 0, len(result.Ranking))
	for _, entry := range result.Ranking {
		rows = append(rows, quizResult{
			RoomID:      result.RoomID,
			PlayerID:    entry.PlayerID,
			DisplayName: entry.DisplayName,
			Rank:        entry.Rank,
			Score:       entry.Score,
			Questions:   result.Questions,
			FinishedAt:  result.FinishedAt.UTC(),
		})
	}
	if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("insert results: %w", err)
	}
	return nil
}

// LatestResult returns the most recent finished game of a room.
func (s *ResultStore) LatestResult(ctx context.Context, roomID string) (domain.GameResult, error) {
	var latest sql.NullTime
	err := s.db.NewSelect().
		Model((*quizResult)(nil)).
		ColumnExpr("max(finished_at)").
		Where("room_id = ?", roomID).
		Scan(ctx, &latest)
	if err != nil {
		return domain.GameResult{}, fmt.Errorf("select latest result: %w", err)
	}
	if !latest.Valid {
		return domain.GameResult{}, domain.ErrRoomNotFound
	}

	var rows []quizResult
	err = s.db.NewSelect().
		Model(&rows).
		Where("room_id = ?", roomID).
		Where("finished_at = ?", latest.Time).
		Order("rank ASC").
		Scan(ctx)
	if err != nil {
		return domain.GameResult{}, fmt.Errorf("select results: %w", err)
	}
	if len(rows) == 0 {
		return domain.GameResult{}, domain.ErrRoomNotFound
	}

	result := domain.GameResult{
		RoomID:     roomID,
		Questions:  rows[0].Questions,
		FinishedAt: rows[0].FinishedAt,
		Ranking:    make([]domain.RankingEntry, 0, len(rows)),
	}
	for _, row := range rows {
		result.Ranking = append(result.Ranking, domain.RankingEntry{
			Rank:        row.Rank,
			PlayerID:    row.PlayerID,
			DisplayName: row.DisplayName,
			Score:       row.Score,
		})
	}
	return result, nil
}
