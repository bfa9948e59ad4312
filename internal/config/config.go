package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Instance       string   `yaml:"instance"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		// RankingTTL bounds how long a finished room's ranking stays queryable.
		RankingTTL string `yaml:"ranking_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL              string `yaml:"ttl"`
		QuestionDuration string `yaml:"question_duration"`
		RevealDuration   string `yaml:"reveal_duration"`
		Points           int    `yaml:"points"`
		IdleTimeout      string `yaml:"idle_timeout"`
		GracePeriod      string `yaml:"grace_period"`
		EarlyReveal      bool   `yaml:"early_reveal"`
		AutoStartPlayers int    `yaml:"auto_start_players"`
		AllowPlayerStart *bool  `yaml:"allow_player_start"`
		LoadTimeout      string `yaml:"load_timeout"`
	} `yaml:"quiz"`
	API struct {
		BaseURL       string `yaml:"base_url"`
		Token         string `yaml:"token"`
		Timeout       string `yaml:"timeout"`
		SubmitResults bool   `yaml:"submit_results"`
		LoadQuestions bool   `yaml:"load_questions"`
	} `yaml:"api"`
	Auth struct {
		Mode       string `yaml:"mode"`
		AdminToken string `yaml:"admin_token"`
	} `yaml:"auth"`
	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Auth modes.
const (
	AuthModeQuery = "query"
	AuthModeAPI   = "api"
)

// Load reads YAML config from path. A missing file yields an empty config so
// defaults and environment overrides still apply.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.ApplyEnv()
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides connection settings from the environment.
func (c *Config) ApplyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Postgres.URL, "POSTGRES_URL")
	setString(&c.NATS.URL, "NATS_URL")
	setString(&c.API.BaseURL, "API_BASE_URL")
	setString(&c.API.Token, "API_TOKEN")
	setString(&c.Server.Instance, "INSTANCE_NAME")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Auth.AdminToken, "ADMIN_TOKEN")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

// PlayerStartAllowed defaults to true when unset.
func (c Config) PlayerStartAllowed() bool {
	if c.Quiz.AllowPlayerStart == nil {
		return true
	}
	return *c.Quiz.AllowPlayerStart
}

// PointsPerCorrect returns the configured award, 20 when unset.
func (c Config) PointsPerCorrect() int {
	if c.Quiz.Points <= 0 {
		return 20
	}
	return c.Quiz.Points
}

// InstanceName identifies this process in Redis session markers, the host
// name when unset.
func (c Config) InstanceName() string {
	if c.Server.Instance != "" {
		return c.Server.Instance
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "quiz-session"
}

// AuthMode returns the configured auth mode, "query" when unset.
func (c Config) AuthMode() string {
	if c.Auth.Mode == "" {
		return AuthModeQuery
	}
	return c.Auth.Mode
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
