package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-session-service/internal/domain"
)

const leaderboardKey = "quiz:leaderboard"

// RankingStore keeps the final ranking of each room for a while after the room
// is gone, and accumulates lifetime scores in a sorted set.
//
//	SET  quiz:room:{roomID}:ranking {json} EX {ttl}
//	ZINCRBY quiz:leaderboard {score} {playerID}
type RankingStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRankingStore(client *redis.Client, ttl time.Duration) *RankingStore {
	return &RankingStore{client: client, ttl: ttl}
}

func (s *RankingStore) RecordResult(ctx context.Context, result domain.GameResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal ranking: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, rankingKey(result.RoomID), raw, s.ttl)
	for _, entry := range result.Ranking {
		pipe.ZIncrBy(ctx, leaderboardKey, float64(entry.Score), entry.PlayerID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record ranking: %w", err)
	}
	return nil
}

// Result returns the last recorded result of a room.
func (s *RankingStore) Result(ctx context.Context, roomID string) (domain.GameResult, error) {
	raw, err := s.client.Get(ctx, rankingKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.GameResult{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.GameResult{}, err
	}
	var result domain.GameResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.GameResult{}, fmt.Errorf("unmarshal ranking: %w", err)
	}
	return result, nil
}

// Leaderboard returns the top n players by lifetime score.
func (s *RankingStore) Leaderboard(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	if n <= 0 {
		n = 10
	}
	members, err := s.client.ZRevRangeWithScores(ctx, leaderboardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]domain.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		id, _ := m.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{PlayerID: id, Score: int(m.Score)})
	}
	return entries, nil
}

func rankingKey(roomID string) string {
	return "quiz:room:" + roomID + ":ranking"
}
