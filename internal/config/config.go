// Package config loads the council configuration from YAML with sane
// defaults, and hot-reloads it when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
)

// RoleConfig describes one council seat.
type RoleConfig struct {
	Name         string  `mapstructure:"name" yaml:"name"`
	Tag          string  `mapstructure:"tag" yaml:"tag"`
	Model        string  `mapstructure:"model" yaml:"model"`
	SystemPrompt string  `mapstructure:"system_prompt" yaml:"system_prompt"`
	Weight       float64 `mapstructure:"weight" yaml:"weight,omitempty"`
}

// ConsensusConfig tunes how agent positions are aggregated.
type ConsensusConfig struct {
	DefaultMode          string             `mapstructure:"default_mode" yaml:"default_mode"`
	IterationLimit       int                `mapstructure:"iteration_limit" yaml:"iteration_limit"`
	ConvergenceThreshold float64            `mapstructure:"convergence_threshold" yaml:"convergence_threshold"`
	Weights              map[string]float64 `mapstructure:"weights" yaml:"weights,omitempty"`
}

// IntegrityConfig tunes the recursion and injection defenses.
type IntegrityConfig struct {
	MaxRecursionDepth   int     `mapstructure:"max_recursion_depth" yaml:"max_recursion_depth"`
	DivergenceThreshold float64 `mapstructure:"divergence_threshold" yaml:"divergence_threshold"`
	MaxInputLength      int     `mapstructure:"max_input_length" yaml:"max_input_length"`
	DefaultIsolation    string  `mapstructure:"default_isolation" yaml:"default_isolation"`
}

// RedisConfig points the memory backend at a Redis server.
type RedisConfig struct {
	Addr   string        `mapstructure:"addr" yaml:"addr"`
	UserID string        `mapstructure:"user_id" yaml:"user_id"`
	TTL    time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// MemoryConfig selects and tunes the conversational memory backend.
type MemoryConfig struct {
	Backend  string      `mapstructure:"backend" yaml:"backend"` // file or redis
	Dir      string      `mapstructure:"dir" yaml:"dir"`
	MaxTurns int         `mapstructure:"max_turns" yaml:"max_turns"`
	Redis    RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// LedgerConfig locates the audit trail.
type LedgerConfig struct {
	Path       string `mapstructure:"path" yaml:"path"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`
}

// GenerationConfig points at the model server.
type GenerationConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	RateLimit      float64  `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst" yaml:"rate_burst"`
	JWTSecret      string   `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins,omitempty"`
}

// Config is the full council configuration document.
type Config struct {
	Roles      []RoleConfig     `mapstructure:"roles" yaml:"roles"`
	Consensus  ConsensusConfig  `mapstructure:"consensus" yaml:"consensus"`
	Integrity  IntegrityConfig  `mapstructure:"integrity" yaml:"integrity"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Ledger     LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
}

const confidenceInstruction = "End your response with 'Confidence: X.X' where X.X is between 0.0 and 1.0."

// Default returns the built-in five-seat council.
func Default() *Config {
	return &Config{
		Roles: []RoleConfig{
			{
				Name:  "Strategist",
				Tag:   "strategist",
				Model: "llama3.1:8b",
				SystemPrompt: "You are the Strategist of the Djinn Council. Weigh long-term consequences, " +
					"surface trade-offs, and recommend a course of action. " + confidenceInstruction,
			},
			{
				Name:  "Analyst",
				Tag:   "analyst",
				Model: "llama3.1:8b",
				SystemPrompt: "You are the Analyst of the Djinn Council. Break the question into parts, " +
					"reason from evidence, and state your findings precisely. " + confidenceInstruction,
			},
			{
				Name:  "Arbiter",
				Tag:   "arbiter",
				Model: "llama3.1:8b",
				SystemPrompt: "You are the Arbiter of the Djinn Council. Judge competing positions fairly " +
					"and deliver a balanced ruling. " + confidenceInstruction,
			},
			{
				Name:  "Guardian",
				Tag:   "guardian",
				Model: "llama3.1:8b",
				SystemPrompt: "You are the Guardian of the Djinn Council. Identify risks, failure modes, " +
					"and safety concerns the others may have missed. " + confidenceInstruction,
			},
			{
				Name:  "Historian",
				Tag:   "historian",
				Model: "llama3.1:8b",
				SystemPrompt: "You are the Historian of the Djinn Council. Recall precedent and prior " +
					"context, and note what has been tried before. " + confidenceInstruction,
			},
		},
		Consensus: ConsensusConfig{
			DefaultMode:          string(council.ModeMajorityVote),
			IterationLimit:       3,
			ConvergenceThreshold: 0.3,
		},
		Integrity: IntegrityConfig{
			MaxRecursionDepth:   3,
			DivergenceThreshold: 0.5,
			MaxInputLength:      4000,
			DefaultIsolation:    string(council.IsolationBasic),
		},
		Memory: MemoryConfig{
			Backend:  "file",
			Dir:      "data/memory",
			MaxTurns: 50,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				UserID: "default",
				TTL:    30 * 24 * time.Hour,
			},
		},
		Ledger: LedgerConfig{
			Path: "data/ledger/council_sessions.jsonl",
		},
		Generation: GenerationConfig{
			BaseURL:        "http://localhost:11434",
			RequestTimeout: 0,
		},
		Server: ServerConfig{
			Addr:      ":8585",
			RateLimit: 5,
			RateBurst: 10,
		},
	}
}

// Load reads the configuration at path. A missing file is not an error: the
// defaults are written there so operators have something to edit. A malformed
// file logs a warning and falls back to defaults rather than refusing to boot.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := persistDefaults(path, cfg); err != nil {
			logger.Warn("could not write default config", zap.String("path", path), zap.Error(err))
		} else {
			logger.Info("wrote default config", zap.String("path", path))
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config unreadable, using defaults", zap.String("path", path), zap.Error(err))
		return Default(), nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		logger.Warn("config malformed, using defaults", zap.String("path", path), zap.Error(err))
		return Default(), nil
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		logger.Warn("config invalid, using defaults", zap.String("path", path), zap.Error(err))
		return Default(), nil
	}
	return cfg, nil
}

func persistDefaults(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// normalize fills gaps a partial file leaves behind.
func (c *Config) normalize() {
	def := Default()
	if len(c.Roles) == 0 {
		c.Roles = def.Roles
	}
	if c.Consensus.DefaultMode == "" {
		c.Consensus.DefaultMode = def.Consensus.DefaultMode
	}
	if c.Consensus.IterationLimit <= 0 {
		c.Consensus.IterationLimit = def.Consensus.IterationLimit
	}
	if c.Consensus.ConvergenceThreshold <= 0 {
		c.Consensus.ConvergenceThreshold = def.Consensus.ConvergenceThreshold
	}
	if c.Integrity.MaxRecursionDepth <= 0 {
		c.Integrity.MaxRecursionDepth = def.Integrity.MaxRecursionDepth
	}
	if c.Integrity.DivergenceThreshold <= 0 {
		c.Integrity.DivergenceThreshold = def.Integrity.DivergenceThreshold
	}
	if c.Integrity.MaxInputLength <= 0 {
		c.Integrity.MaxInputLength = def.Integrity.MaxInputLength
	}
	if c.Integrity.DefaultIsolation == "" {
		c.Integrity.DefaultIsolation = def.Integrity.DefaultIsolation
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = def.Memory.Backend
	}
	if c.Memory.Dir == "" {
		c.Memory.Dir = def.Memory.Dir
	}
	if c.Memory.MaxTurns <= 0 {
		c.Memory.MaxTurns = def.Memory.MaxTurns
	}
	if c.Memory.Redis.Addr == "" {
		c.Memory.Redis.Addr = def.Memory.Redis.Addr
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = def.Ledger.Path
	}
	if c.Generation.BaseURL == "" {
		c.Generation.BaseURL = def.Generation.BaseURL
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = def.Server.RateLimit
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = def.Server.RateBurst
	}
}

// Validate rejects documents no council could run with.
func (c *Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("at least one role is required")
	}
	seen := make(map[string]struct{}, len(c.Roles))
	for i, role := range c.Roles {
		if strings.TrimSpace(role.Name) == "" {
			return fmt.Errorf("role %d: name is required", i)
		}
		if _, dup := seen[role.Name]; dup {
			return fmt.Errorf("role %q: duplicate name", role.Name)
		}
		seen[role.Name] = struct{}{}
		if role.Model == "" {
			return fmt.Errorf("role %q: model is required", role.Name)
		}
	}
	if _, err := council.ParseMode(c.Consensus.DefaultMode); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	if c.Memory.Backend != "file" && c.Memory.Backend != "redis" {
		return fmt.Errorf("memory: unknown backend %q", c.Memory.Backend)
	}
	return nil
}

// RoleSet resolves the configured roles into the council's typed form.
func (c *Config) RoleSet() []council.Role {
	roles := make([]council.Role, 0, len(c.Roles))
	for _, rc := range c.Roles {
		tag := rc.Tag
		if tag == "" {
			tag = strings.ToLower(rc.Name)
		}
		roles = append(roles, council.Role{
			Name:         rc.Name,
			Tag:          tag,
			Model:        rc.Model,
			SystemPrompt: rc.SystemPrompt,
			Weight:       rc.Weight,
		})
	}
	return roles
}
