package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"quiz-session-service/internal/config"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/postgres"
	redisinfra "quiz-session-service/internal/infra/redis"
	"quiz-session-service/internal/logging"
)

// NewSeedCmd stores a question set for a room in Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var roomID, file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a YAML question set into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), *configPath, roomID, file)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id (overrides roomId in the file)")
	cmd.Flags().StringVar(&file, "file", "", "path to the question set YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSeed(ctx context.Context, configPath, roomID, file string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	set, err := readQuestionSet(file, roomID)
	if err != nil {
		return err
	}

	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	loader := postgres.NewQuestionLoader(pool)
	if err := loader.SaveQuestions(ctx, set); err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		cache := redisinfra.NewQuestionRepository(client, loader, config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute))
		if err := cache.Invalidate(ctx, set.RoomID); err != nil {
			log.Warn().Err(err).Str("room_id", set.RoomID).Msg("failed to drop cached questions")
		}
	}

	log.Info().Str("room_id", set.RoomID).Int("questions", len(set.Questions)).Msg("question set stored")
	return nil
}

func readQuestionSet(path, roomID string) (domain.QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.QuestionSet{}, err
	}
	var set domain.QuestionSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return domain.QuestionSet{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if roomID != "" {
		set.RoomID = roomID
	}
	if set.RoomID == "" {
		return domain.QuestionSet{}, errors.New("room id missing: pass --room or set roomId in the file")
	}
	if err := set.Validate(); err != nil {
		return domain.QuestionSet{}, err
	}
	return set, nil
}
