package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	LLM         LLMConfig                 `json:"llm"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// TokenTTL is the auth token lifetime in minutes.
	TokenTTL           int  `json:"token_ttl"`
	OneAccountPerIP    bool `json:"one_account_per_ip"`
	PersistTimeoutSecs int  `json:"persist_timeout"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// RedisConfig is optional; an empty host disables the cache.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LLMConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// CompleteTimeout bounds blocking completions (title synthesis), in seconds.
	CompleteTimeout int     `json:"complete_timeout"`
	Temperature     float32 `json:"temperature"`
	MaxTokens       int     `json:"max_tokens"`
	// ModelsCacheTTL caches the model list in redis, in seconds. Zero disables it.
	ModelsCacheTTL int `json:"models_cache_ttl"`
}

const (
	DefaultBaseURL         = "http://127.0.0.1:1234"
	DefaultCompleteTimeout = 15
	DefaultTemperature     = 0.6
	DefaultMaxTokens       = 2048
)

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:      ":5000",
			TokenTTL:           24 * 60,
			PersistTimeoutSecs: 10,
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "localchat.db"},
		},
		LLM: LLMConfig{
			BaseURL:         DefaultBaseURL,
			CompleteTimeout: DefaultCompleteTimeout,
			Temperature:     DefaultTemperature,
			MaxTokens:       DefaultMaxTokens,
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file yields Default().
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if v := strings.TrimSpace(os.Getenv("LOCALCHAT_LLM_BASE_URL")); v != "" {
		cfg.LLM.BaseURL = v
	}
	cfg.applyDefaults()

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	// sqlite files live next to the config file unless absolute
	for name, db := range cfg.Databases {
		if !strings.HasPrefix(name, "sqlite") || db.DSN == "" || db.DSN == ":memory:" {
			continue
		}
		if !filepath.IsAbs(db.DSN) && !strings.HasPrefix(db.DSN, "file:") {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultBaseURL
	}
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	if c.LLM.CompleteTimeout <= 0 {
		c.LLM.CompleteTimeout = DefaultCompleteTimeout
	}
	if c.LLM.Temperature <= 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":5000"
	}
	if c.BasicConfig.TokenTTL <= 0 {
		c.BasicConfig.TokenTTL = 24 * 60
	}
	if c.BasicConfig.PersistTimeoutSecs <= 0 {
		c.BasicConfig.PersistTimeoutSecs = 10
	}
}
