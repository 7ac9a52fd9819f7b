package property

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
)

const (
	DefaultLogDir          = "logs"
	DefaultLocalServerAddr = "127.0.0.1:8787"

	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultModel         = "gpt-4"

	DefaultTagWSBaseURL   = "wss://test-server-7w76.onrender.com"
	DefaultTagHTTPBaseURL = "https://test-server-7w76.onrender.com"

	DefaultContextWSBaseURL = "wss://itzerhypergalaxy.online"
	DefaultAuthBaseURL      = "https://itzerhypergalaxy.online"
)

// Config is the daemon configuration. Durations are JSON strings such as "30s".
type Config struct {
	LogDir     string `json:"log_dir"`
	LogLevel   string `json:"log_level"`
	ServerAddr string `json:"server_addr"`

	OpenAI        OpenAIConfig        `json:"openai"`
	Tags          TagConfig           `json:"tags"`
	ContextSearch ContextSearchConfig `json:"context_search"`
	Auth          AuthConfig          `json:"auth"`
}

type OpenAIConfig struct {
	APIKey          string   `json:"api_key"`
	BaseURL         string   `json:"base_url"`
	Model           string   `json:"model"`
	SystemPrompt    string   `json:"system_prompt"`
	MaxPromptTokens int      `json:"max_prompt_tokens"`
	HealthInterval  Duration `json:"health_interval"`
}

type TagConfig struct {
	WSBaseURL   string `json:"ws_base_url"`
	HTTPBaseURL string `json:"http_base_url"`
}

type ContextSearchConfig struct {
	WSBaseURL      string   `json:"ws_base_url"`
	Method         string   `json:"method"`
	ReconnectDelay Duration `json:"reconnect_delay"`
}

type AuthConfig struct {
	BaseURL string   `json:"base_url"`
	Token   string   `json:"token"`
	Tenant  string   `json:"tenant"`
	TTL     Duration `json:"ttl"`
}

// Duration decodes "1m30s" style strings as well as plain nanosecond numbers.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val)
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a JSON (comments allowed) config file, fills defaults and
// applies environment overrides. A missing file is not an error.
func LoadConfig(filePath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case err == nil:
			if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.OpenAI.Model, "OPENAI_MODEL")
	setFromEnv(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setFromEnv(&c.Auth.Token, "HORIZON_AUTH_TOKEN")
	setFromEnv(&c.Auth.Tenant, "HORIZON_TENANT")
	setFromEnv(&c.LogLevel, "HORIZON_LOG_LEVEL")
	setFromEnv(&c.ServerAddr, "HORIZON_SERVER_ADDR")
}

func (c *Config) applyDefaults() {
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = DefaultLocalServerAddr
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = DefaultOpenAIBaseURL
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultModel
	}
	if c.OpenAI.HealthInterval.Duration == 0 {
		c.OpenAI.HealthInterval.Duration = 5 * time.Minute
	}
	if c.Tags.WSBaseURL == "" {
		c.Tags.WSBaseURL = DefaultTagWSBaseURL
	}
	if c.Tags.HTTPBaseURL == "" {
		c.Tags.HTTPBaseURL = DefaultTagHTTPBaseURL
	}
	if c.ContextSearch.WSBaseURL == "" {
		c.ContextSearch.WSBaseURL = DefaultContextWSBaseURL
	}
	if c.ContextSearch.Method == "" {
		c.ContextSearch.Method = "sentence_chunks"
	}
	if c.ContextSearch.ReconnectDelay.Duration == 0 {
		c.ContextSearch.ReconnectDelay.Duration = 3 * time.Second
	}
	if c.Auth.BaseURL == "" {
		c.Auth.BaseURL = DefaultAuthBaseURL
	}
	if c.Auth.TTL.Duration == 0 {
		c.Auth.TTL.Duration = 5 * time.Minute
	}
}

// LogFile is where the daemon log lives.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, "horizon.log")
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
