package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"espzipflasher/internal/monitor"
)

type MonitorCmd struct {
	Port string `short:"p" long:"port" required:"yes" description:"Serial port to read"`
	Baud int    `short:"b" long:"baud" default:"115200" description:"Baud rate of the application output"`
}

var monitorCmd MonitorCmd

func init() {
	parser.AddCommand("monitor",
		"Prints device output",
		"Reads the serial port line by line until interrupted",
		&monitorCmd)
}

// stdoutLines печатает строки монитора
type stdoutLines struct {
	failed chan error
}

func (s stdoutLines) Line(line string) {
	fmt.Println(line)
}

func (s stdoutLines) Failed(err error) {
	s.failed <- err
}

func (monitorCmd *MonitorCmd) Execute(args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	out := stdoutLines{failed: make(chan error, 1)}
	m := monitor.New(nil)
	if err := m.Start(monitorCmd.Port, monitorCmd.Baud, out); err != nil {
		return err
	}
	defer m.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
		log.Info().Str("port", monitorCmd.Port).Msg("monitor stopped")
		return nil
	case err := <-out.failed:
		return fmt.Errorf("monitor failed: %w", err)
	}
}
