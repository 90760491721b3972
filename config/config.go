package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full, strongly typed configuration surface. It is loaded and
// validated once at startup; anything missing fails immediately, not at
// first use.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// Users maps usernames to bcrypt password hashes.
	Users       map[string]string `mapstructure:"users"`
	EventBuffer int               `mapstructure:"event_buffer"`
}

type LLMConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ToolsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PoolConfig declares the physical slots and the logical roles routed onto
// them.
type PoolConfig struct {
	LoaderBaseURL string                `mapstructure:"loader_base_url"`
	Slots         []SlotConfig          `mapstructure:"slots"`
	Roles         map[string]RoleConfig `mapstructure:"roles"`
}

type SlotConfig struct {
	Name  string `mapstructure:"name"`
	Kind  string `mapstructure:"kind"` // hot | cold
	Model string `mapstructure:"model"`
	Class string `mapstructure:"class"`
}

type RoleConfig struct {
	Slot            string  `mapstructure:"slot"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	CostPer1KInput  float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// BudgetConfig carries the document budget policy. Section keys are string
// section indices so they survive both JSON and environment overrides.
type BudgetConfig struct {
	SectionMaxWords        int                      `mapstructure:"section_max_words"`
	SectionMaxTokens       int                      `mapstructure:"section_max_tokens"`
	Sections               map[string]SectionLimits `mapstructure:"sections"`
	DocumentSoftTokens     int                      `mapstructure:"document_soft_tokens"`
	DocumentMaxTokens      int                      `mapstructure:"document_max_tokens"`
	CompressionTargetRatio float64                  `mapstructure:"compression_target_ratio"`
}

type SectionLimits struct {
	MaxWords  int `mapstructure:"max_words"`
	MaxTokens int `mapstructure:"max_tokens"`
}

type PipelineConfig struct {
	MaxTaskIterations  int           `mapstructure:"max_task_iterations"`
	MaxRevise          int           `mapstructure:"max_revise"`
	MaxRetry           int           `mapstructure:"max_retry"`
	PhaseTimeout       time.Duration `mapstructure:"phase_timeout"`
	MaxTurnDuration    time.Duration `mapstructure:"max_turn_duration"`
	MaxTurnTokens      int           `mapstructure:"max_turn_tokens"`
	MaxConcurrentTurns int           `mapstructure:"max_concurrent_turns"`
}

type StorageConfig struct {
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ArchiveConfig struct {
	Root string `mapstructure:"root"`
}

type RetentionConfig struct {
	CronSpec string        `mapstructure:"cron_spec"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

// RequiredRoles are the logical roles the pipeline resolves at runtime; all
// of them must be routed in pool.roles.
var RequiredRoles = []string{
	"enrich", "gate", "recall", "plan", "synthesize", "validate", "compress",
}

// Load reads configuration from the given file (or the default search
// paths), applies TURNPIPE_* environment overrides and validates eagerly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.event_buffer", 16)
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("tools.timeout", "120s")
	v.SetDefault("budget.section_max_words", 800)
	v.SetDefault("budget.section_max_tokens", 4000)
	v.SetDefault("budget.document_soft_tokens", 24000)
	v.SetDefault("budget.document_max_tokens", 32000)
	v.SetDefault("budget.compression_target_ratio", 0.5)
	v.SetDefault("pipeline.max_task_iterations", 5)
	v.SetDefault("pipeline.max_revise", 2)
	v.SetDefault("pipeline.max_retry", 1)
	v.SetDefault("pipeline.phase_timeout", "120s")
	v.SetDefault("pipeline.max_turn_duration", "15m")
	v.SetDefault("pipeline.max_concurrent_turns", 8)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.timeout", "5s")
	v.SetDefault("storage.archive.root", "./archive")
	v.SetDefault("storage.retention.cron_spec", "0 3 * * *")
	v.SetDefault("storage.retention.max_age", "720h")
	v.SetDefault("telemetry.metrics_port", 9090)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TURNPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every required field. It is called by Load; tests building
// configs by hand call it directly.
func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if c.LLM.BaseURL == "" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.base_url or llm.api_key is required")
	}
	if len(c.Pool.Slots) == 0 {
		return fmt.Errorf("pool.slots must declare at least one slot")
	}
	slotNames := make(map[string]bool, len(c.Pool.Slots))
	for _, s := range c.Pool.Slots {
		if s.Name == "" || s.Model == "" {
			return fmt.Errorf("pool slot needs name and model: %+v", s)
		}
		if s.Kind != "hot" && s.Kind != "cold" {
			return fmt.Errorf("pool slot %q kind must be hot or cold", s.Name)
		}
		if s.Kind == "cold" && s.Class == "" {
			return fmt.Errorf("cold slot %q needs a resource class", s.Name)
		}
		slotNames[s.Name] = true
	}
	for _, role := range RequiredRoles {
		r, ok := c.Pool.Roles[role]
		if !ok {
			return fmt.Errorf("pool.roles is missing required role %q", role)
		}
		if !slotNames[r.Slot] {
			return fmt.Errorf("role %q references unknown slot %q", role, r.Slot)
		}
	}
	if err := c.Budget.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	if c.Storage.Archive.Root == "" {
		return fmt.Errorf("storage.archive.root is required")
	}
	if c.Storage.Retention.MaxAge <= 0 {
		return fmt.Errorf("storage.retention.max_age must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be positive when telemetry is enabled")
	}
	return nil
}

func (b BudgetConfig) validate() error {
	if b.SectionMaxWords <= 0 || b.SectionMaxTokens <= 0 {
		return fmt.Errorf("budget section limits must be positive")
	}
	if b.DocumentSoftTokens <= 0 || b.DocumentMaxTokens <= 0 {
		return fmt.Errorf("budget document ceilings must be positive")
	}
	if b.DocumentSoftTokens > b.DocumentMaxTokens {
		return fmt.Errorf("budget.document_soft_tokens exceeds document_max_tokens")
	}
	if b.CompressionTargetRatio <= 0 || b.CompressionTargetRatio > 1 {
		return fmt.Errorf("budget.compression_target_ratio must be in (0, 1]")
	}
	for key, limits := range b.Sections {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx > 6 {
			return fmt.Errorf("budget.sections key %q is not a section index", key)
		}
		if limits.MaxWords <= 0 || limits.MaxTokens <= 0 {
			return fmt.Errorf("budget.sections.%s limits must be positive", key)
		}
	}
	return nil
}

func (p PipelineConfig) validate() error {
	if p.MaxTaskIterations <= 0 {
		return fmt.Errorf("pipeline.max_task_iterations must be positive")
	}
	if p.MaxRevise < 0 || p.MaxRetry < 0 {
		return fmt.Errorf("pipeline loop bounds must be non-negative")
	}
	if p.PhaseTimeout <= 0 {
		return fmt.Errorf("pipeline.phase_timeout must be positive")
	}
	if p.MaxConcurrentTurns <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_turns must be positive")
	}
	return nil
}

// SectionIndices returns the per-section overrides with integer keys.
// Validate has already checked the keys parse.
func (b BudgetConfig) SectionIndices() map[int]SectionLimits {
	out := make(map[int]SectionLimits, len(b.Sections))
	for key, limits := range b.Sections {
		idx, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		out[idx] = limits
	}
	return out
}
