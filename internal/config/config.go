// Package config loads server configuration from the environment and client
// settings from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server holds the server's runtime configuration, populated from RCORD_*
// environment variables with defaults for everything.
type Server struct {
	Host             string
	Port             int
	MediaPort        int
	DBPath           string
	HeartbeatTimeout time.Duration
	CheckInterval    time.Duration
}

// Addr returns the chat listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MediaAddr returns the media listen address.
func (s Server) MediaAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.MediaPort)
}

// ServerFromEnv reads the server configuration from the environment. The
// media port defaults to the chat port plus one.
func ServerFromEnv() (Server, error) {
	cfg := Server{
		Host:   envString("RCORD_HOST", "0.0.0.0"),
		DBPath: envString("RCORD_DB_PATH", "DB.dat"),
	}

	port, err := envInt("RCORD_PORT", 8765)
	if err != nil {
		return Server{}, err
	}
	cfg.Port = port

	mediaPort, err := envInt("RCORD_MEDIA_PORT", port+1)
	if err != nil {
		return Server{}, err
	}
	cfg.MediaPort = mediaPort

	heartbeat, err := envInt("RCORD_HEARTBEAT_TIMEOUT", 60)
	if err != nil {
		return Server{}, err
	}
	cfg.HeartbeatTimeout = time.Duration(heartbeat) * time.Second

	check, err := envInt("RCORD_CHECK_INTERVAL", 10)
	if err != nil {
		return Server{}, err
	}
	cfg.CheckInterval = time.Duration(check) * time.Second

	return cfg, nil
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return parsed, nil
}

// Settings is the client's persisted connection settings.
type Settings struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	MediaPort int    `json:"media_port"`
}

// DefaultSettings returns the out-of-the-box client settings.
func DefaultSettings() Settings {
	return Settings{Host: "127.0.0.1", Port: 8765, MediaPort: 8766}
}

// Addr returns the chat server address.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MediaAddr returns the media server address.
func (s Settings) MediaAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.MediaPort)
}

// LoadSettings reads client settings from path. A missing file yields the
// defaults; a present but unreadable one is an error. Fields absent from the
// file keep their default values.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return settings, nil
}

// SaveSettings writes client settings to path.
func SaveSettings(path string, settings Settings) error {
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write settings %s: %w", path, err)
	}
	return nil
}
