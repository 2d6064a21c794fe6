// espflash - прошивка ESP32 из zip пакета без графического интерфейса
package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog/log"

	"espzipflasher/internal/config"
	"espzipflasher/internal/logging"
)

type globalArgs struct {
	Config   string `long:"config" description:"Path to the TOML configuration file (default: espflash.toml or $ESPFLASH_CONFIG)"`
	LogLevel string `long:"log-level" description:"Log level: trace, debug, info, warn, error"`
	JSONLog  bool   `long:"json-log" description:"Write logs as JSON instead of console output"`
}

var args globalArgs

var parser = flags.NewParser(&args, flags.Default)

// loadConfig загружает настройки и настраивает логирование
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(args.Config)
	if err != nil {
		return nil, err
	}
	if args.LogLevel != "" {
		cfg.Log.Level = args.LogLevel
	}
	if args.JSONLog {
		cfg.Log.Format = "json"
	}
	if !logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr) {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
	}
	return cfg, nil
}

func main() {
	logging.Setup("info", "console", os.Stderr)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
