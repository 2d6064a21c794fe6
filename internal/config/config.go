// Package config загружает настройки прошивальщика.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"espzipflasher/internal/esp"
	"espzipflasher/internal/image"
)

// DefaultPath - файл настроек в рабочем каталоге
const DefaultPath = "espflash.toml"

// Config holds all configuration settings for the application
type Config struct {
	Connection Connection `toml:"connection"`
	Flash      Flash      `toml:"flash"`
	Discovery  Discovery  `toml:"discovery"`
	Log        Log        `toml:"log"`
}

// Connection - параметры подключения к устройству
type Connection struct {
	Baud        int    `toml:"baud"`
	Before      string `toml:"before"`
	After       string `toml:"after"`
	NoStub      bool   `toml:"no_stub"`
	StubPath    string `toml:"stub_path"`
	Chip        string `toml:"chip"`
	MinRevision uint32 `toml:"min_revision"`
	Verify      bool   `toml:"verify"`
}

// Flash - геометрия flash, пустое значение означает значение чипа по умолчанию
type Flash struct {
	Mode      string `toml:"mode"`
	Frequency string `toml:"frequency"`
	Size      string `toml:"size"`
}

// Discovery - опрос последовательных портов
type Discovery struct {
	Interval string `toml:"interval"`
}

// Log - настройки zerolog
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Connection: Connection{
			Baud:   921600,
			Before: esp.ResetDefault.String(),
			After:  esp.ResetHard.String(),
			Chip:   esp.ChipESP32.Name,
			Verify: true,
		},
		Flash: Flash{
			Mode:      "dio",
			Frequency: "80MHz",
			Size:      "4MB",
		},
		Discovery: Discovery{Interval: "5s"},
		Log:       Log{Level: "info", Format: "console"},
	}
}

// Load загружает .env, затем TOML файл и переменные окружения.
// Пустой path означает $ESPFLASH_CONFIG или espflash.toml, если он существует.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("ESPFLASH_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultPath
		}
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ESPFLASH_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ESPFLASH_BAUD %q: %w", v, err)
		}
		c.Connection.Baud = baud
	}
	if v := os.Getenv("ESPFLASH_STUB"); v != "" {
		c.Connection.StubPath = v
	}
	if v := os.Getenv("ESPFLASH_MIN_REVISION"); v != "" {
		rev, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ESPFLASH_MIN_REVISION %q: %w", v, err)
		}
		c.Connection.MinRevision = uint32(rev)
	}
	if v := os.Getenv("ESPFLASH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate проверяет, что все значения разбираются
func (c *Config) Validate() error {
	if c.Connection.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Connection.Baud)
	}
	if _, err := esp.ParseResetMode(c.Connection.Before); err != nil {
		return fmt.Errorf("connection.before: %w", err)
	}
	if _, err := esp.ParseResetMode(c.Connection.After); err != nil {
		return fmt.Errorf("connection.after: %w", err)
	}
	if _, err := esp.ParseChip(c.Connection.Chip); err != nil {
		return fmt.Errorf("connection.chip: %w", err)
	}
	if _, err := c.Geometry(); err != nil {
		return err
	}
	if _, err := c.Discovery.Every(); err != nil {
		return err
	}
	return nil
}

// Geometry разбирает секцию [flash]
func (c *Config) Geometry() (image.Geometry, error) {
	g, err := image.ParseGeometry(c.Flash.Mode, c.Flash.Frequency, c.Flash.Size)
	if err != nil {
		return image.Geometry{}, fmt.Errorf("flash: %w", err)
	}
	return g, nil
}

// Every возвращает интервал опроса портов
func (d Discovery) Every() (time.Duration, error) {
	if d.Interval == "" {
		return 0, nil
	}
	iv, err := time.ParseDuration(d.Interval)
	if err != nil || iv < 0 {
		return 0, fmt.Errorf("invalid discovery interval %q", d.Interval)
	}
	return iv, nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Chip: %s", c.Connection.Chip))
	parts = append(parts, fmt.Sprintf("Baud: %d", c.Connection.Baud))
	parts = append(parts, fmt.Sprintf("Reset: %s/%s", c.Connection.Before, c.Connection.After))
	parts = append(parts, fmt.Sprintf("Flash: %s/%s/%s", c.Flash.Mode, c.Flash.Frequency, c.Flash.Size))
	parts = append(parts, fmt.Sprintf("MinRevision: %d", c.Connection.MinRevision))
	return strings.Join(parts, ", ")
}
