package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"quiz-session-service/internal/domain"
)

const eventGameFinished = "finished"

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration // How long to keep results
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "QUIZ_RESULTS",
		SubjectPrefix:   "quiz.results",
		MaxReconnects:   -1, // Infinite
		ReconnectWait:   2 * time.Second,
		MaxAge:          7 * 24 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 2 * time.Hour,
	}
}

// ResultPublisher announces finished games on a JetStream subject so other
// services (rewards, analytics) can consume them.
type ResultPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewResultPublisher(ctx context.Context, cfg JetStreamConfig) (*ResultPublisher, error) {
	opts := []nats.Option{
		nats.Name("quiz-session-service"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &ResultPublisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

func (p *ResultPublisher) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Finished quiz games",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      p.config.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}

	if _, err := p.js.Stream(ctx, p.config.StreamName); err != nil {
		if _, err := p.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		log.Info().Str("stream", p.config.StreamName).Msg("created JetStream stream")
		return nil
	}
	if _, err := p.js.UpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// Subject is the subject finished games are published on.
func (p *ResultPublisher) Subject() string {
	return p.config.SubjectPrefix + "." + eventGameFinished
}

func (p *ResultPublisher) RecordResult(ctx context.Context, result domain.GameResult) error {
	msg, id, err := newResultMsg(p.Subject(), result)
	if err != nil {
		return err
	}
	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(id),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Info().
		Str("subject", msg.Subject).
		Str("event_id", id).
		Str("room_id", result.RoomID).
		Uint64("sequence", ack.Sequence).
		Msg("published game result")
	return nil
}

func (p *ResultPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// resultEventID is stable for a given game so retried publishes are deduplicated.
func resultEventID(result domain.GameResult) string {
	name := result.RoomID + "/" + strconv.FormatInt(result.FinishedAt.UnixNano(), 10)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func newResultMsg(subject string, result domain.GameResult) (*nats.Msg, string, error) {
	id := resultEventID(result)
	env := map[string]interface{}{
		"eventId":   id,
		"eventType": eventGameFinished,
		"roomId":    result.RoomID,
		"timestamp": result.FinishedAt.UTC(),
		"payload":   result,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event: %w", err)
	}
	return &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{eventGameFinished},
			"Room-ID":    []string{result.RoomID},
			"Event-ID":   []string{id},
		},
	}, id, nil
}
