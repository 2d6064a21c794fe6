package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cheggaaa/pb"
	"github.com/rs/zerolog/log"

	"espzipflasher/internal/config"
	"espzipflasher/internal/flasher"
)

type FlashCmd struct {
	Port        string  `short:"p" long:"port" description:"Serial port; when omitted the only attached port is used"`
	Baud        int     `short:"b" long:"baud" description:"Baud rate after sync (default from config, 921600)"`
	Before      string  `long:"before" description:"Reset before flashing: default-reset, no-reset"`
	After       string  `long:"after" description:"Reset after flashing: hard-reset, no-reset"`
	NoStub      bool    `long:"no-stub" description:"Do not upload the flasher stub"`
	Stub        string  `long:"stub" description:"Path to a JSON flasher stub"`
	MinRevision *uint32 `long:"min-revision" description:"Minimum chip revision"`
	Mode        string  `long:"flash-mode" description:"Flash mode: qio, qout, dio, dout"`
	Frequency   string  `long:"flash-freq" description:"Flash frequency: 20m, 26m, 40m, 80m"`
	Size        string  `long:"flash-size" description:"Flash size: 1MB, 2MB, 4MB, 8MB, 16MB"`
	NoVerify    bool    `long:"no-verify" description:"Skip MD5 verification of written data"`
	Positional  struct {
		Package string `positional-arg-name:"package.zip" description:"Firmware package containing firmware.elf"`
	} `positional-args:"yes" required:"yes"`
}

var flashCmd FlashCmd

func init() {
	parser.AddCommand("flash",
		"Flashes a firmware package",
		"Extracts the zip package next to it and writes firmware.elf to an ESP32",
		&flashCmd)
}

// apply переносит флаги командной строки поверх настроек
func (flashCmd *FlashCmd) apply(cfg *config.Config) error {
	c := &cfg.Connection
	if flashCmd.Baud > 0 {
		c.Baud = flashCmd.Baud
	}
	if flashCmd.Before != "" {
		c.Before = flashCmd.Before
	}
	if flashCmd.After != "" {
		c.After = flashCmd.After
	}
	if flashCmd.NoStub {
		c.NoStub = true
	}
	if flashCmd.Stub != "" {
		c.StubPath = flashCmd.Stub
	}
	if flashCmd.MinRevision != nil {
		c.MinRevision = *flashCmd.MinRevision
	}
	if flashCmd.NoVerify {
		c.Verify = false
	}
	if flashCmd.Mode != "" {
		cfg.Flash.Mode = flashCmd.Mode
	}
	if flashCmd.Frequency != "" {
		cfg.Flash.Frequency = flashCmd.Frequency
	}
	if flashCmd.Size != "" {
		cfg.Flash.Size = flashCmd.Size
	}
	return cfg.Validate()
}

func (flashCmd *FlashCmd) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := flashCmd.apply(cfg); err != nil {
		return err
	}

	connectArgs, err := flasher.NewConnectArgs(cfg.Connection)
	if err != nil {
		return err
	}
	geometry, err := cfg.Geometry()
	if err != nil {
		return err
	}

	bar := pb.New(100)
	bar.ShowCounters = false
	bar.ShowTimeLeft = false
	bar.Prefix(fmt.Sprintf("%-12s", flasher.StageIdle))

	controller := flasher.NewController(flasher.NewSerialService(),
		flasher.WithConnectArgs(connectArgs),
		flasher.WithGeometry(geometry),
		flasher.WithObserver(func(s flasher.State) {
			if s.Stage == flasher.StageIdle {
				return
			}
			bar.Prefix(fmt.Sprintf("%-12s", s.Stage))
			bar.Set(int(s.Progress * 100))
		}),
		flasher.WithLogSink(func(message string) {
			log.Debug().Msg(message)
		}),
	)

	port, err := flashCmd.pickPort(controller)
	if err != nil {
		return err
	}
	controller.SelectPackage(flashCmd.Positional.Package)
	controller.SelectPort(port)

	log.Info().
		Str("package", flashCmd.Positional.Package).
		Str("port", port).
		Stringer("geometry", geometry).
		Msg("flashing")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar.Start()
	done, err := controller.Start(ctx)
	if err != nil {
		bar.Finish()
		return err
	}
	out := <-done
	bar.Finish()

	return report(controller.State(), out)
}

// report печатает итог прошивки; ошибку выводит go-flags
func report(s flasher.State, out flasher.Outcome) error {
	if out.Err != nil || out.Stage != flasher.StageDone {
		return errors.New(s.Status)
	}
	fmt.Println(s.Status)
	return nil
}

// pickPort возвращает порт из флага или единственный найденный порт
func (flashCmd *FlashCmd) pickPort(controller *flasher.Controller) (string, error) {
	if flashCmd.Port != "" {
		return flashCmd.Port, nil
	}

	names := controller.RefreshPorts()
	switch len(names) {
	case 0:
		if status := controller.State().Status; status != "" {
			return "", errors.New(status)
		}
		return "", errors.New("no serial ports found, use --port")
	case 1:
		return names[0], nil
	}
	return "", fmt.Errorf("several serial ports found (%s), use --port", strings.Join(names, ", "))
}
