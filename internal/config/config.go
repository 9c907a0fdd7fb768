package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Admin      AdminConfig      `yaml:"admin"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	Mode           string   `yaml:"mode"` // debug, release, test
	AllowedOrigins []string `yaml:"allowed_origins"`
	// Submissions per second per client IP on the public ingestion route.
	IngestRateLimit float64 `yaml:"ingest_rate_limit"`
	IngestBurst     int     `yaml:"ingest_burst"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // sqlite, mysql, postgres
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// AdminConfig bootstraps the first staff account. Empty password skips it.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ClassifierConfig struct {
	Provider string        `yaml:"provider"` // gemini, openai, azure, anthropic, ollama
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AnalysisConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	// Cron spec for re-dispatching stale pending records. Empty disables it.
	ReprocessSchedule string        `yaml:"reprocess_schedule"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	Concurrency       int           `yaml:"concurrency"`
}

// RedisConfig enables the asynq task queue and the event channel.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	EventsChannel string `yaml:"events_channel"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var GlobalConfig *Config

// Load reads .env (if any), the yaml file at configPath (defaults when it
// does not exist) and then applies environment overrides.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	cfg.applyFloors()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8000",
			Mode:            "debug",
			AllowedOrigins:  []string{"http://localhost:3000"},
			IngestRateLimit: 1,
			IngestBurst:     5,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "medfeedback.db?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		JWT: JWTConfig{
			Secret:     "medfeedback-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Admin: AdminConfig{
			Username: "admin",
		},
		Classifier: ClassifierConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  30 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxAttempts:       3,
			MaxBackoff:        60 * time.Second,
			ReprocessSchedule: "*/10 * * * *",
			StaleAfter:        15 * time.Minute,
			Concurrency:       10,
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			EventsChannel: "medfeedback:events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) overrideFromEnv() {
	setString(&c.Server.Host, "SERVER_HOST")
	setString(&c.Server.Port, "SERVER_PORT")
	setString(&c.Server.Mode, "SERVER_MODE")
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.DSN, "DB_DSN")
	setString(&c.JWT.Secret, "JWT_SECRET")
	setInt(&c.JWT.ExpireHour, "JWT_EXPIRE_HOUR")
	setString(&c.Admin.Username, "ADMIN_USERNAME")
	setString(&c.Admin.Password, "ADMIN_PASSWORD")

	setString(&c.Classifier.Provider, "CLASSIFIER_PROVIDER")
	setString(&c.Classifier.Model, "CLASSIFIER_MODEL")
	setString(&c.Classifier.BaseURL, "CLASSIFIER_BASE_URL")
	setDuration(&c.Classifier.Timeout, "CLASSIFIER_TIMEOUT")
	// GOOGLE_API_KEY is what the gemini tooling exports; the explicit key wins.
	setString(&c.Classifier.APIKey, "GOOGLE_API_KEY")
	setString(&c.Classifier.APIKey, "CLASSIFIER_API_KEY")

	setInt(&c.Analysis.MaxAttempts, "ANALYSIS_MAX_ATTEMPTS")
	setDuration(&c.Analysis.MaxBackoff, "ANALYSIS_MAX_BACKOFF")
	setString(&c.Analysis.ReprocessSchedule, "ANALYSIS_REPROCESS_SCHEDULE")
	setDuration(&c.Analysis.StaleAfter, "ANALYSIS_STALE_AFTER")
	setInt(&c.Analysis.Concurrency, "ANALYSIS_CONCURRENCY")

	// Format: redis://:password@host:port/db
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
	setString(&c.Redis.EventsChannel, "REDIS_EVENTS_CHANNEL")
	setString(&c.Log.Level, "LOG_LEVEL")
}

func (c *Config) applyFloors() {
	if c.Analysis.MaxAttempts < 1 {
		c.Analysis.MaxAttempts = 1
	}
	if c.Analysis.MaxBackoff <= 0 {
		c.Analysis.MaxBackoff = 60 * time.Second
	}
	if c.Analysis.Concurrency < 1 {
		c.Analysis.Concurrency = 1
	}
	if c.Classifier.Timeout <= 0 {
		c.Classifier.Timeout = 30 * time.Second
	}
	if c.JWT.ExpireHour <= 0 {
		c.JWT.ExpireHour = 24
	}
}

func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.LastIndex(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

// Save writes the effective configuration back as yaml.
func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
