package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"quizchain-service/internal/breaker"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port           string   `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Cache struct {
		SessionTTL     string `yaml:"session_ttl"`
		LeaderboardTTL string `yaml:"leaderboard_ttl"`
	} `yaml:"cache"`
	Auth struct {
		Secret    string `yaml:"secret"`
		TokenTTL  string `yaml:"token_ttl"`
		DevTokens bool   `yaml:"dev_tokens"`
		// Operators may reset circuit breakers.
		Operators []string `yaml:"operators"`
	} `yaml:"auth"`
	Generation struct {
		GeneratorURL  string `yaml:"generator_url"`
		APIKey        string `yaml:"api_key"`
		ScraperURL    string `yaml:"scraper_url"`
		TranscriptURL string `yaml:"transcript_url"`
		VideoURL      string `yaml:"video_url"`
		MaxChars      int    `yaml:"max_chars"`
	} `yaml:"generation"`
	Breakers map[string]BreakerConfig `yaml:"breakers"`
	Sessions struct {
		MaxItems     int `yaml:"max_items"`
		CodeLength   int `yaml:"code_length"`
		CodeAttempts int `yaml:"code_attempts"`
	} `yaml:"sessions"`
	Play struct {
		ItemTime string `yaml:"item_time"`
	} `yaml:"play"`
}

// BreakerConfig tunes one collaborator's circuit breaker. Empty fields keep the defaults.
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold"`
	Cooldown         string `yaml:"cooldown"`
	Timeout          string `yaml:"timeout"`
}

// Load reads YAML config from path and applies environment overrides. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("AUTH_OPERATORS"); v != "" {
		c.Auth.Operators = strings.Split(v, ",")
	}
	if v := os.Getenv("GENERATION_API_KEY"); v != "" {
		c.Generation.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth secret not configured (auth.secret or AUTH_SECRET)")
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold < 0 {
			return fmt.Errorf("breaker %s: failure_threshold must not be negative", name)
		}
	}
	return nil
}

// BreakerConfigs merges configured overrides into the default breaker tuning.
func (c Config) BreakerConfigs() map[string]breaker.Config {
	out := breaker.DefaultConfigs()
	for name, override := range c.Breakers {
		cfg, ok := out[name]
		if !ok {
			cfg = out[breaker.Generator]
		}
		cfg.Name = name
		if override.FailureThreshold > 0 {
			cfg.FailureThreshold = override.FailureThreshold
		}
		cfg.Cooldown = TTLDuration(override.Cooldown, cfg.Cooldown)
		cfg.CallTimeout = TTLDuration(override.Timeout, cfg.CallTimeout)
		out[name] = cfg
	}
	return out
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
