package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/pario-ai/steward/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all steward configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	DBPath   string         `yaml:"db_path"`
	Timezone string         `yaml:"timezone"`
	Log      LogConfig      `yaml:"log"`
	Budget   BudgetConfig   `yaml:"budget"`
	Learning LearningConfig `yaml:"learning"`
	Redis    RedisConfig    `yaml:"redis"`
}

// LogConfig controls the logger.
// Format is "text" (default) or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BudgetConfig controls admission and seeds per-project budgets.
type BudgetConfig struct {
	ReservationTTL time.Duration   `yaml:"reservation_ttl"`
	CacheTTL       time.Duration   `yaml:"cache_ttl"`
	Projects       []models.Budget `yaml:"projects"`
}

// LearningConfig controls the auto-learning controller.
type LearningConfig struct {
	// Score is "ctr" (default) or "engagement".
	Score             string                      `yaml:"score"`
	TunableParameters []string                    `yaml:"tunable_parameters"`
	DefaultParameters map[string]string           `yaml:"default_parameters"`
	Projects          []models.AutoLearningConfig `yaml:"projects"`
	Schedule          ScheduleConfig              `yaml:"schedule"`
	LockTTL           time.Duration               `yaml:"lock_ttl"`
}

// ScheduleConfig triggers periodic learning runs.
type ScheduleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Projects []string      `yaml:"projects"`
}

// RedisConfig enables the distributed run lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "steward.db",
		Timezone: "UTC",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Budget: BudgetConfig{
			ReservationTTL: 10 * time.Minute,
			CacheTTL:       time.Minute,
		},
		Learning: LearningConfig{
			Score:             "ctr",
			TunableParameters: []string{"slot", "cta", "angle"},
			DefaultParameters: map[string]string{"slot": "default", "cta": "standard"},
			Schedule: ScheduleConfig{
				Interval: 6 * time.Hour,
			},
			LockTTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads path when set, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Location resolves the reference timezone used for budget windows.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Learning.Score {
	case "", "ctr", "engagement":
	default:
		return fmt.Errorf("unknown learning score %q", c.Learning.Score)
	}
	if c.Learning.Schedule.Enabled && c.Learning.Schedule.Interval <= 0 {
		return fmt.Errorf("learning schedule interval must be positive")
	}
	return nil
}
