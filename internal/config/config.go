package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Progression store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"PORT"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR"`
		Password string `yaml:"password" env:"REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"REDIS_DB"`
		TTL      string `yaml:"ttl" env:"REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"POSTGRES_URL"`
	} `yaml:"postgres"`
	Content struct {
		TTL string `yaml:"ttl" env:"CONTENT_TTL"`
	} `yaml:"content"`
	Progression struct {
		// Driver is memory, sqlite or postgres. Empty picks postgres when a
		// URL is configured and memory otherwise.
		Driver     string `yaml:"driver" env:"PROGRESSION_DRIVER"`
		SQLitePath string `yaml:"sqlite_path" env:"PROGRESSION_SQLITE_PATH"`
	} `yaml:"progression"`
	Battle struct {
		MinRoundDuration string `yaml:"min_round_duration" env:"BATTLE_MIN_ROUND_DURATION"`
		AutoClose        bool   `yaml:"auto_close" env:"BATTLE_AUTO_CLOSE"`
		AnswerGrace      string `yaml:"answer_grace" env:"BATTLE_ANSWER_GRACE"`
	} `yaml:"battle"`
	Rewards struct {
		ParticipationXP   *int `yaml:"participation_xp" env:"REWARDS_PARTICIPATION_XP"`
		XPPerCorrect      *int `yaml:"xp_per_correct" env:"REWARDS_XP_PER_CORRECT"`
		VictoryBonusXP    *int `yaml:"victory_bonus_xp" env:"REWARDS_VICTORY_BONUS_XP"`
		DuelWinnerBonusXP *int `yaml:"duel_winner_bonus_xp" env:"REWARDS_DUEL_WINNER_BONUS_XP"`
	} `yaml:"rewards"`
}

// Load reads YAML config from path and applies environment overrides on top.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ProgressionDriver resolves the configured driver, defaulting as documented on Config.
func (c Config) ProgressionDriver() string {
	if c.Progression.Driver != "" {
		return c.Progression.Driver
	}
	if c.Postgres.URL != "" {
		return DriverPostgres
	}
	return DriverMemory
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

// IntOr returns *v, or fallback when v is unset.
func IntOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
