package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// ClientConfig configures the dmclient terminal client.
type ClientConfig struct {
	Server   string        `toml:"server"`
	Token    string        `toml:"token"`
	UserID   uuid.UUID     `toml:"user_id"`
	Username string        `toml:"username"`
	Media    ClientMedia   `toml:"media"`
	Logging  ClientLogging `toml:"logging"`
}

type ClientMedia struct {
	FFmpegBinary  string `toml:"ffmpeg_binary"`
	FFprobeBinary string `toml:"ffprobe_binary"`
	// MetadataTimeout is how long to wait for a voice note duration, in seconds.
	MetadataTimeout int `toml:"metadata_timeout"`
}

type ClientLogging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func DefaultClient() ClientConfig {
	return ClientConfig{
		Server: "http://localhost:8080",
		Media: ClientMedia{
			FFmpegBinary:    "ffmpeg",
			FFprobeBinary:   "ffprobe",
			MetadataTimeout: 3,
		},
		Logging: ClientLogging{Level: "warn"},
	}
}

// DefaultClientPath is the config file used when no path is given.
func DefaultClientPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "alicas", "dmclient.toml"), nil
}

// LoadClient reads path (or the default location when empty), applies
// ALICAS_SERVER / ALICAS_TOKEN overrides and validates the result. A
// missing file is not an error.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()

	if path == "" {
		var err error
		if path, err = DefaultClientPath(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse client config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read client config: %w", err)
	}

	if v := strings.TrimSpace(os.Getenv("ALICAS_SERVER")); v != "" {
		cfg.Server = v
	}
	if v := strings.TrimSpace(os.Getenv("ALICAS_TOKEN")); v != "" {
		cfg.Token = v
	}
	cfg.Server = strings.TrimRight(strings.TrimSpace(cfg.Server), "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("server must be an http(s) url, got %q", c.Server)
	}
	if c.Media.MetadataTimeout < 0 {
		return fmt.Errorf("media.metadata_timeout must not be negative")
	}
	return nil
}

// MetadataTimeout returns the voice note duration timeout.
func (c *ClientConfig) MetadataTimeout() time.Duration {
	return time.Duration(c.Media.MetadataTimeout) * time.Second
}

// Save writes the config to path, creating parent directories.
func (c *ClientConfig) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode client config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}
