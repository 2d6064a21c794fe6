package main

import (
	"embed"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"espzipflasher/internal/config"
	"espzipflasher/internal/flasher"
	"espzipflasher/internal/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	cfg, err := config.Load("")
	if err != nil {
		logging.Setup("info", "console", os.Stderr)
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if !logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr) {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
	}
	log.Info().Str("config", cfg.String()).Msg("ESP32 Flasher starting")

	// Create an instance of the app structure
	app, err := NewApp(cfg, flasher.NewSerialService())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create application")
	}

	// Create application with options
	err = wails.Run(&options.App{
		Title:  "ESP32 Flasher",
		Width:  650,
		Height: 800,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 102, G: 126, B: 234, A: 1},
		OnStartup:        app.startup,
		OnShutdown:       app.shutdown,
		Bind: []any{
			app,
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("application stopped with error")
	}
}
