// Package config loads linker settings from an optional YAML file and the
// environment. Environment variables override YAML values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/entitylink/internal/loader"
	"github.com/entitylink/internal/match"
	"github.com/entitylink/internal/normalize"
)

// Config holds all linker settings.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Match    MatchConfig    `yaml:"match"`
	Load     LoadConfig     `yaml:"load"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port         int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User         string `yaml:"user" env:"PGUSER" env-default:"linker"`
	Password     string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database     string `yaml:"database" env:"PGDATABASE" env-default:"entitylink"`
	SSLMode      string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"PGMAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"10"`
}

// MatchConfig holds the name matching policy.
type MatchConfig struct {
	AcceptThreshold float64  `yaml:"accept_threshold" env:"MATCH_ACCEPT_THRESHOLD" env-default:"90"`
	ScoreFloor      float64  `yaml:"score_floor" env:"MATCH_SCORE_FLOOR" env-default:"0"`
	Workers         int      `yaml:"workers" env:"MATCH_WORKERS" env-default:"4"`
	// DomainSuffix defaults to ".au"; empty keeps every domain.
	DomainSuffix    string   `yaml:"domain_suffix" env:"MATCH_DOMAIN_SUFFIX"`
	// StopWords defaults to normalize.DefaultStopWords; an explicit empty
	// list disables stop-word removal.
	StopWords       []string `yaml:"stop_words" env:"MATCH_STOP_WORDS"`
	// FoldDiacritics strips accents before the [a-z0-9 ] filter instead of
	// blanking accented letters. Off by default.
	FoldDiacritics  bool     `yaml:"fold_diacritics" env:"MATCH_FOLD_DIACRITICS"`
}

// LoadConfig holds chunking and retry settings for the loader.
type LoadConfig struct {
	ChunkSize       int           `yaml:"chunk_size" env:"LOAD_CHUNK_SIZE" env-default:"50000"`
	ChunkTimeout    time.Duration `yaml:"chunk_timeout" env:"LOAD_CHUNK_TIMEOUT" env-default:"2m"`
	MaxAttempts     int           `yaml:"max_attempts" env:"LOAD_MAX_ATTEMPTS" env-default:"3"`
	InitialBackoff  time.Duration `yaml:"initial_backoff" env:"LOAD_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff      time.Duration `yaml:"max_backoff" env:"LOAD_MAX_BACKOFF" env-default:"10s"`
	RefreshMetadata bool          `yaml:"refresh_metadata" env:"LOAD_REFRESH_METADATA" env-default:"false"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// ServerConfig holds the lookup API listen address.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST" env-default:"127.0.0.1"`
	Port int    `yaml:"port" env:"SERVER_PORT" env-default:"8080"`
	// APIKey, when set, is required in the X-API-Key header of /api requests.
	APIKey string `yaml:"-" env:"SERVER_API_KEY"` // Secret - not in YAML
}

// envPaths are tried in order; the first that exists is loaded.
var envPaths = []string{".env", "../.env", "../../.env"}

// LoadEnv loads variables from the first .env file found. Variables already
// set in the environment are kept.
func LoadEnv() error {
	for _, p := range envPaths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
		return nil
	}
	return nil
}

// Load reads path (if not empty) with environment overrides, or the
// environment alone, and validates the result.
func Load(path string) (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, err
	}

	cfg := defaults()
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// defaults seeds the fields whose zero value is a valid setting, so that
// an explicit zero in YAML or the environment is not replaced by an
// env-default.
func defaults() *Config {
	return &Config{
		Match: MatchConfig{
			DomainSuffix: ".au",
			StopWords:    append([]string(nil), normalize.DefaultStopWords...),
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Match.AcceptThreshold < 0 || c.Match.AcceptThreshold > 100 {
		errs = append(errs, fmt.Errorf("match.accept_threshold must be within [0, 100], got %v", c.Match.AcceptThreshold))
	}
	if c.Match.ScoreFloor < 0 || c.Match.ScoreFloor > c.Match.AcceptThreshold {
		errs = append(errs, fmt.Errorf("match.score_floor must be within [0, accept_threshold], got %v", c.Match.ScoreFloor))
	}
	if c.Match.Workers < 1 {
		errs = append(errs, errors.New("match.workers must be positive"))
	}
	if c.Load.ChunkSize < 1 {
		errs = append(errs, errors.New("load.chunk_size must be positive"))
	}
	if c.Load.MaxAttempts < 1 {
		errs = append(errs, errors.New("load.max_attempts must be positive"))
	}
	if c.Load.ChunkTimeout <= 0 {
		errs = append(errs, errors.New("load.chunk_timeout must be positive"))
	}
	if c.Load.InitialBackoff > c.Load.MaxBackoff {
		errs = append(errs, errors.New("load.initial_backoff exceeds load.max_backoff"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the host:port the server listens on.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Rules returns the normalization rules.
func (c *MatchConfig) Rules() normalize.Rules {
	words := make([]string, 0, len(c.StopWords))
	for _, w := range c.StopWords {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}
	return normalize.Rules{StopWords: words, FoldDiacritics: c.FoldDiacritics}
}

// Matcher returns the match policy.
func (c *MatchConfig) Matcher() *match.Config {
	return &match.Config{
		AcceptThreshold: c.AcceptThreshold,
		ScoreFloor:      c.ScoreFloor,
		Workers:         c.Workers,
		DomainSuffix:    c.DomainSuffix,
	}
}

// Loader returns the loader retry policy.
func (c *LoadConfig) Loader() loader.Config {
	return loader.Config{
		ChunkTimeout:    c.ChunkTimeout,
		MaxAttempts:     c.MaxAttempts,
		InitialBackoff:  c.InitialBackoff,
		MaxBackoff:      c.MaxBackoff,
		RefreshMetadata: c.RefreshMetadata,
	}
}
