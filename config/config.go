package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/satriahrh/professor-bot/domain"
)

const (
	ProviderReplicate = domain.ProviderReplicate
	ProviderGemini    = domain.ProviderGemini

	DefaultGeminiModel = "gemini-2.0-flash-001"
)

type Config struct {
	Debug      bool                    `mapstructure:"debug"`
	Server     ServerConfig            `mapstructure:"server"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Inference  InferenceConfig         `mapstructure:"inference"`
	Generation domain.GenerationConfig `mapstructure:"generation"`
	Chat       ChatConfig              `mapstructure:"chat"`
	Voice      VoiceConfig             `mapstructure:"voice"`
}

type ServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	BodyLimit    string   `mapstructure:"body_limit"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type InferenceConfig struct {
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	Credential string        `mapstructure:"credential"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ChatConfig struct {
	Persona     string        `mapstructure:"persona"`
	Policy      string        `mapstructure:"policy"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type VoiceConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Language string `mapstructure:"language"`
}

// SetDefaults registers every key so environment variables can override
// keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.body_limit", "10MB")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("inference.provider", ProviderReplicate)
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.model", domain.DefaultModel)
	v.SetDefault("inference.credential", "")
	v.SetDefault("inference.timeout", 2*time.Minute)

	defaults := domain.DefaultGenerationConfig()
	v.SetDefault("generation.temperature", defaults.Temperature)
	v.SetDefault("generation.top_p", defaults.TopP)
	v.SetDefault("generation.max_length", defaults.MaxLength)
	v.SetDefault("generation.repetition_penalty", defaults.RepetitionPenalty)

	v.SetDefault("chat.persona", domain.ProfessorBot.Name)
	v.SetDefault("chat.policy", "")
	v.SetDefault("chat.idle_timeout", time.Hour)
	v.SetDefault("voice.enabled", false)
	v.SetDefault("voice.language", "en-US")
}

// Load reads .env, an optional config file and PROFBOT_* environment
// variables, in increasing order of precedence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := gotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix("PROFBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("professor-bot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyProviderDefaults picks up the provider's conventional token variable
// when no credential is configured, and swaps the catalog default model for
// Gemini's.
func (c *Config) applyProviderDefaults() {
	if c.Inference.Provider == ProviderGemini && c.Inference.Model == domain.DefaultModel {
		c.Inference.Model = DefaultGeminiModel
	}
	if c.Inference.Credential != "" {
		return
	}
	switch c.Inference.Provider {
	case ProviderReplicate:
		c.Inference.Credential = os.Getenv("REPLICATE_API_TOKEN")
	case ProviderGemini:
		c.Inference.Credential = os.Getenv("GEMINI_API_KEY")
	}
}

func (c *Config) Validate() error {
	switch c.Inference.Provider {
	case ProviderReplicate, ProviderGemini:
	default:
		return fmt.Errorf("unknown inference provider %q", c.Inference.Provider)
	}
	if _, err := domain.LookupPersona(c.Chat.Persona); err != nil {
		return err
	}
	if c.Chat.Policy != "" {
		if _, err := domain.ParsePromptPolicy(c.Chat.Policy); err != nil {
			return err
		}
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation defaults: %w", err)
	}
	if err := domain.ValidateModel(c.Inference.Provider, domain.ResolveModel(c.Inference.Model)); err != nil {
		return fmt.Errorf("inference.model: %w", err)
	}
	if c.Inference.Credential != "" {
		if err := c.CredentialShape().Check(c.Inference.Credential); err != nil {
			return fmt.Errorf("inference.credential: %w", err)
		}
	}
	return nil
}

// Policy returns the configured prompt policy, or "" to let each persona
// use its own.
func (c *Config) Policy() domain.PromptPolicy {
	if c.Chat.Policy == "" {
		return ""
	}
	p, _ := domain.ParsePromptPolicy(c.Chat.Policy)
	return p
}

func (c *Config) CredentialShape() domain.CredentialShape {
	if c.Inference.Provider == ProviderGemini {
		return domain.GeminiCredential
	}
	return domain.ReplicateCredential
}
