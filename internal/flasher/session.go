package flasher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"espzipflasher/internal/config"
	"espzipflasher/internal/esp"
	"espzipflasher/internal/image"
)

// DefaultBaud - скорость обмена после синхронизации
const DefaultBaud = 921600

// Session - открытое соединение с проверенным устройством
type Session interface {
	VerifyMinimumRevision(minRevision uint32) error
	CrystalFrequency() (image.Crystal, error)
	Close() error
}

// DeviceService выполняет подключение и запись прошивки
type DeviceService interface {
	Connect(ctx context.Context, target esp.Target) (Session, error)
	Write(ctx context.Context, s Session, elf []byte, fd *image.FlashData, crystal image.Crystal) error
}

// ConnectArgs - параметры подключения к устройству
type ConnectArgs struct {
	Chip   esp.Chip
	Baud   int
	Before esp.ResetMode
	After  esp.ResetMode
	NoStub bool
	Stub   *esp.Stub
	// MinRevision повышает минимальную ревизию чипа
	MinRevision uint32
	// ConfirmPort требует подтверждения порта через Confirm перед подключением
	ConfirmPort bool
	Confirm     func(port string) bool
	Verify      bool
}

// DefaultConnectArgs: ESP32, 921600, сброс перед прошивкой, перезагрузка после
func DefaultConnectArgs() ConnectArgs {
	return ConnectArgs{
		Chip:   esp.ChipESP32,
		Baud:   DefaultBaud,
		Before: esp.ResetDefault,
		After:  esp.ResetHard,
		Verify: true,
	}
}

// NewConnectArgs собирает параметры из секции [connection]
func NewConnectArgs(c config.Connection) (ConnectArgs, error) {
	args := DefaultConnectArgs()

	chip, err := esp.ParseChip(c.Chip)
	if err != nil {
		return args, err
	}
	before, err := esp.ParseResetMode(c.Before)
	if err != nil {
		return args, err
	}
	after, err := esp.ParseResetMode(c.After)
	if err != nil {
		return args, err
	}

	args.Chip = chip
	args.Before = before
	args.After = after
	args.NoStub = c.NoStub
	args.MinRevision = c.MinRevision
	args.Verify = c.Verify
	if c.Baud > 0 {
		args.Baud = c.Baud
	}

	if c.StubPath != "" && !c.NoStub {
		stub, err := esp.LoadStub(c.StubPath)
		if err != nil {
			return args, err
		}
		args.Stub = stub
	}
	return args, nil
}

// minRevision возвращает наибольшее из требований чипа и настроек
func (a ConnectArgs) minRevision() uint32 {
	if a.MinRevision > a.Chip.MinRevision {
		return a.MinRevision
	}
	return a.Chip.MinRevision
}

// Target собирает esp.Target для порта
func (a ConnectArgs) Target(port string, cb esp.ProgressCallback) esp.Target {
	return esp.Target{
		Port:     port,
		Chip:     a.Chip,
		Baud:     a.Baud,
		Before:   a.Before,
		After:    a.After,
		NoStub:   a.NoStub,
		Stub:     a.Stub,
		Verify:   a.Verify,
		Callback: cb,
	}
}

// Establish подключается к порту, проверяет ревизию чипа и запрашивает
// частоту кварца. При ошибке соединение закрывается.
func Establish(ctx context.Context, svc DeviceService, port string, args ConnectArgs, cb esp.ProgressCallback) (Session, image.Crystal, error) {
	if port == "" {
		return nil, 0, errors.New("no port selected")
	}
	if args.ConfirmPort && (args.Confirm == nil || !args.Confirm(port)) {
		return nil, 0, fmt.Errorf("port %s was not confirmed", port)
	}

	s, err := svc.Connect(ctx, args.Target(port, cb))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to %s: %w", port, err)
	}

	if err := s.VerifyMinimumRevision(args.minRevision()); err != nil {
		closeSession(s, port)
		return nil, 0, err
	}

	crystal, err := s.CrystalFrequency()
	if err != nil {
		closeSession(s, port)
		return nil, 0, err
	}

	log.Debug().Str("port", port).Stringer("crystal", crystal).Msg("session established")
	return s, crystal, nil
}

func closeSession(s Session, port string) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Str("port", port).Msg("failed to close session")
	}
}
