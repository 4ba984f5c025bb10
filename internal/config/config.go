package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chase3718/pidi/internal/link"
	"github.com/chase3718/pidi/internal/player"
)

// SerialConfig selects and configures the serial port.
type SerialConfig struct {
	Port          string   `json:"port,omitempty"` // skip discovery when set
	Baud          int      `json:"baud"`
	ReadTimeoutMs int      `json:"readTimeoutMs"`
	Prefixes      []string `json:"prefixes,omitempty"` // platform defaults when empty
}

// LinkConfig holds protocol timing. Durations are milliseconds.
type LinkConfig struct {
	TimeoutMs    int `json:"timeoutMs"`
	MaxRetries   int `json:"maxRetries"`
	RescanMs     int `json:"rescanMs"`
	KeepAliveMs  int `json:"keepAliveMs"`
	MaxFrameSize int `json:"maxFrameSize"`
	WriteBurst   int `json:"writeBurst"`
	WriteGapMs   int `json:"writeGapMs"`
	QueueSize    int `json:"queueSize"`
	SimCapacity  int `json:"simCapacity"` // notes per chunk reported by `pidi simulate`
}

type LibraryConfig struct {
	Dir string `json:"dir,omitempty"` // <config dir>/library when empty
}

// Config is the main configuration structure
type Config struct {
	Serial  SerialConfig  `json:"serial"`
	Link    LinkConfig    `json:"link"`
	Library LibraryConfig `json:"library"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	lc := link.DefaultConfig()
	return &Config{
		Serial: SerialConfig{
			Baud:          115200,
			ReadTimeoutMs: 20,
		},
		Link: LinkConfig{
			TimeoutMs:    int(lc.Timeout / time.Millisecond),
			MaxRetries:   lc.MaxRetries,
			RescanMs:     int(lc.RescanInterval / time.Millisecond),
			KeepAliveMs:  int(lc.KeepAlive / time.Millisecond),
			MaxFrameSize: lc.MaxFrameSize,
			WriteBurst:   lc.WriteBurst,
			WriteGapMs:   int(lc.WriteGap / time.Millisecond),
			QueueSize:    player.DefaultQueueSize,
			SimCapacity:  16,
		},
	}
}

// Dir returns the config directory path
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pidi"), nil
}

// Path returns the full path to config.json
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config at path, or returns defaults if it does not exist.
// Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	switch {
	case c.Serial.Baud <= 0:
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud)
	case c.Serial.ReadTimeoutMs <= 0:
		return fmt.Errorf("serial.readTimeoutMs must be positive, got %d", c.Serial.ReadTimeoutMs)
	case c.Link.TimeoutMs <= 0:
		return fmt.Errorf("link.timeoutMs must be positive, got %d", c.Link.TimeoutMs)
	case c.Link.MaxRetries < 0:
		return fmt.Errorf("link.maxRetries must not be negative, got %d", c.Link.MaxRetries)
	case c.Link.RescanMs <= 0:
		return fmt.Errorf("link.rescanMs must be positive, got %d", c.Link.RescanMs)
	case c.Link.KeepAliveMs <= 0:
		return fmt.Errorf("link.keepAliveMs must be positive, got %d", c.Link.KeepAliveMs)
	case c.Link.MaxFrameSize < link.MinFrameSize:
		return fmt.Errorf("link.maxFrameSize must be at least %d, got %d", link.MinFrameSize, c.Link.MaxFrameSize)
	}
	return nil
}

// LibraryDir resolves the song library directory.
func (c *Config) LibraryDir() (string, error) {
	if c.Library.Dir != "" {
		return c.Library.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "library"), nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Engine returns the link engine settings.
func (c *Config) Engine() link.Config {
	return link.Config{
		Timeout:        ms(c.Link.TimeoutMs),
		MaxRetries:     c.Link.MaxRetries,
		RescanInterval: ms(c.Link.RescanMs),
		KeepAlive:      ms(c.Link.KeepAliveMs),
		MaxFrameSize:   c.Link.MaxFrameSize,
		WriteBurst:     c.Link.WriteBurst,
		WriteGap:       ms(c.Link.WriteGapMs),
	}
}

func (c *Config) ReadTimeout() time.Duration { return ms(c.Serial.ReadTimeoutMs) }
