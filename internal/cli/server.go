package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/api"
	"quiz-session-service/internal/infra/broker"
	"quiz-session-service/internal/infra/memory"
	"quiz-session-service/internal/infra/postgres"
	redisinfra "quiz-session-service/internal/infra/redis"
	"quiz-session-service/internal/logging"
	transport "quiz-session-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends are the optional infrastructure clients opened from config.
type backends struct {
	redis     *redis.Client
	pool      *pgxpool.Pool
	db        *bun.DB
	api       *api.Client
	publisher *broker.ResultPublisher
}

func (b *backends) close() {
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close NATS connection")
		}
	}
	if b.pool != nil {
		b.pool.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	gateway := transport.NewGateway(transport.DefaultGatewayConfig())

	var store app.SessionRepository = memory.NewSessionStore()
	var redisStore *redisinfra.SessionStore
	if b.redis != nil {
		redisStore = redisinfra.NewSessionStore(b.redis, config.TTLDuration(cfg.Redis.TTL, 10*time.Minute), cfg.InstanceName())
		store = redisStore
	}

	registry := app.NewRegistry(store, app.SessionDeps{
		Config: sessionConfig(cfg),
		Loader: questionSource(cfg, b),
		Out:    gateway,
		Sink:   resultSinks(cfg, b),
	})
	service := app.NewQuizService(registry)

	var auth transport.Authenticator = transport.QueryAuthenticator{}
	if cfg.AuthMode() == config.AuthModeAPI {
		if b.api == nil {
			return errors.New("auth mode api requires api.base_url")
		}
		auth = transport.TokenAuthenticator{Verifier: b.api}
	}

	routerCfg := transport.RouterConfig{
		Service:        service,
		Gateway:        gateway,
		WS:             transport.NewWSHandler(service, gateway, auth, transport.OriginChecker(cfg.Server.AllowedOrigins)),
		AdminToken:     cfg.Auth.AdminToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if redisStore != nil {
		routerCfg.Owners = redisStore.Owner
		routerCfg.Instance = cfg.InstanceName()
	}
	if b.redis != nil {
		ranking := redisinfra.NewRankingStore(b.redis, config.TTLDuration(cfg.Redis.RankingTTL, 24*time.Hour))
		routerCfg.Results = ranking.Result
		routerCfg.Leaderboard = ranking.Leaderboard
	} else if b.db != nil {
		routerCfg.Results = postgres.NewResultStore(b.db).LatestResult
	}

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(routerCfg),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("port", finalPort).
			Str("instance", cfg.InstanceName()).
			Str("auth", cfg.AuthMode()).
			Msg("starting quiz service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if redisStore != nil {
		g.Go(func() error {
			refreshMarkers(gctx, redisStore, config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)/3)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("rooms did not close cleanly")
		}
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	b := &backends{}

	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, err
		}
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			b.close()
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.pool = pool
		b.db = postgres.OpenDB(cfg.Postgres.URL)
	}

	if cfg.API.BaseURL != "" {
		b.api = api.NewClient(cfg.API.BaseURL, config.TTLDuration(cfg.API.Timeout, 10*time.Second)).
			WithServiceToken(cfg.API.Token)
	}

	if cfg.NATS.URL != "" {
		jsCfg := broker.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		if cfg.NATS.Stream != "" {
			jsCfg.StreamName = cfg.NATS.Stream
		}
		if cfg.NATS.SubjectPrefix != "" {
			jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		publisher, err := broker.NewResultPublisher(ctx, jsCfg)
		if err != nil {
			b.close()
			return nil, err
		}
		b.publisher = publisher
	}
	return b, nil
}

func sessionConfig(cfg config.Config) app.SessionConfig {
	sc := app.DefaultSessionConfig()
	sc.QuestionDuration = config.TTLDuration(cfg.Quiz.QuestionDuration, sc.QuestionDuration)
	sc.RevealDuration = config.TTLDuration(cfg.Quiz.RevealDuration, sc.RevealDuration)
	sc.IdleTimeout = config.TTLDuration(cfg.Quiz.IdleTimeout, sc.IdleTimeout)
	sc.GracePeriod = config.TTLDuration(cfg.Quiz.GracePeriod, sc.GracePeriod)
	sc.LoadTimeout = config.TTLDuration(cfg.Quiz.LoadTimeout, sc.LoadTimeout)
	sc.PointsPerCorrect = cfg.PointsPerCorrect()
	sc.EarlyReveal = cfg.Quiz.EarlyReveal
	sc.AutoStartPlayers = cfg.Quiz.AutoStartPlayers
	sc.AllowPlayerStart = cfg.PlayerStartAllowed()
	return sc
}

// questionSource picks the question backend (REST, Postgres, or the built-in
// sample) and puts a TTL cache in front of it.
func questionSource(cfg config.Config, b *backends) app.QuestionLoader {
	var loader app.QuestionLoader
	switch {
	case b.api != nil && cfg.API.LoadQuestions:
		loader = b.api
	case b.pool != nil:
		loader = postgres.NewQuestionLoader(b.pool)
	default:
		log.Warn().Msg("no question backend configured, serving the sample questions")
		loader = memory.NewStaticQuestionLoader(map[string]domain.QuestionSet{}).WithDefault(memory.SampleQuestions())
	}

	ttl := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	if b.redis != nil {
		return redisinfra.NewQuestionRepository(b.redis, loader, ttl)
	}
	return memory.NewQuestionRepository(loader, ttl)
}

func resultSinks(cfg config.Config, b *backends) app.ResultSink {
	var sinks app.ResultSinks
	if b.db != nil {
		sinks = append(sinks, postgres.NewResultStore(b.db))
	}
	if b.redis != nil {
		sinks = append(sinks, redisinfra.NewRankingStore(b.redis, config.TTLDuration(cfg.Redis.RankingTTL, 24*time.Hour)))
	}
	if b.publisher != nil {
		sinks = append(sinks, b.publisher)
	}
	if b.api != nil && cfg.API.SubmitResults {
		sinks = append(sinks, b.api)
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func refreshMarkers(ctx context.Context, store *redisinfra.SessionStore, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to refresh session markers")
			}
		}
	}
}
