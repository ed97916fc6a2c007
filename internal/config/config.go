package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines client configuration.
type Config struct {
	API   APIConfig   `yaml:"api"`
	WS    WSConfig    `yaml:"ws"`
	Token TokenConfig `yaml:"token"`
	Chat  ChatConfig  `yaml:"chat"`
	Log   LogConfig   `yaml:"log"`
}

type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenURL string `yaml:"token_url"`
}

type WSConfig struct {
	// URLTemplate contains a {TOKEN} placeholder substituted with the
	// session token, never the identity credential.
	URLTemplate          string `yaml:"url_template"`
	PingIntervalSeconds  int    `yaml:"ping_interval_seconds"`
	ReconnectDelayMillis int    `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

type TokenConfig struct {
	RefreshBufferSeconds int `yaml:"refresh_buffer_seconds"`
}

type ChatConfig struct {
	SendTimeoutSeconds int `yaml:"send_timeout_seconds"`
	HistoryLimit       int `yaml:"history_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		API: APIConfig{
			BaseURL:  "https://api.tikoncha.uz",
			TokenURL: "https://api.tikoncha.uz/chat/ws-token",
		},
		WS: WSConfig{
			URLTemplate:          "wss://api.tikoncha.uz/chat/ws?token={TOKEN}",
			PingIntervalSeconds:  30,
			ReconnectDelayMillis: 3000,
			MaxReconnectAttempts: 5,
		},
		Token: TokenConfig{
			RefreshBufferSeconds: 300,
		},
		Chat: ChatConfig{
			SendTimeoutSeconds: 10,
			HistoryLimit:       50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("CHATWIRE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if base := os.Getenv("CHATWIRE_API_BASE_URL"); base != "" {
		cfg.API.BaseURL = base
	}
	if url := os.Getenv("CHATWIRE_TOKEN_URL"); url != "" {
		cfg.API.TokenURL = url
	}
	if tmpl := os.Getenv("CHATWIRE_WS_URL_TEMPLATE"); tmpl != "" {
		cfg.WS.URLTemplate = tmpl
	}
	if err := overrideInt("CHATWIRE_PING_INTERVAL", &cfg.WS.PingIntervalSeconds); err != nil {
		return Config{}, err
	}
	if err := overrideInt("CHATWIRE_RECONNECT_DELAY_MS", &cfg.WS.ReconnectDelayMillis); err != nil {
		return Config{}, err
	}
	if err := overrideInt("CHATWIRE_MAX_RECONNECT_ATTEMPTS", &cfg.WS.MaxReconnectAttempts); err != nil {
		return Config{}, err
	}
	if err := overrideInt("CHATWIRE_TOKEN_REFRESH_BUFFER", &cfg.Token.RefreshBufferSeconds); err != nil {
		return Config{}, err
	}
	if err := overrideInt("CHATWIRE_SEND_TIMEOUT", &cfg.Chat.SendTimeoutSeconds); err != nil {
		return Config{}, err
	}
	if err := overrideInt("CHATWIRE_HISTORY_LIMIT", &cfg.Chat.HistoryLimit); err != nil {
		return Config{}, err
	}
	if level := os.Getenv("CHATWIRE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

// PingInterval returns the heartbeat period.
func (c WSConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// ReconnectDelay returns the fixed delay between reconnect attempts.
func (c WSConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMillis) * time.Millisecond
}

// RefreshBuffer returns the renewal lead time subtracted from token expiry.
func (c TokenConfig) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferSeconds) * time.Second
}

// SendTimeout returns the bounded wait for a send confirmation.
func (c ChatConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

func overrideInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
