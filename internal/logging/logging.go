// Package logging настраивает глобальный zerolog логгер.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup устанавливает уровень и формат ("console" или "json") для log.Logger.
// Неизвестный уровень заменяется на info и возвращается false.
func Setup(level, format string, out io.Writer) bool {
	if out == nil {
		out = os.Stderr
	}

	if strings.EqualFold(format, "json") {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		return level == ""
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
