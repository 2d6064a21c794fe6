package flasher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"espzipflasher/internal/esp"
	"espzipflasher/internal/image"
)

// SerialService - DeviceService поверх ROM загрузчика ESP32
type SerialService struct {
	svc *esp.Service
}

// NewSerialService создает сервис; без аргументов используется go.bug.st/serial
func NewSerialService(opts ...esp.ServiceOption) *SerialService {
	return &SerialService{svc: esp.NewService(opts...)}
}

func (s *SerialService) Connect(ctx context.Context, target esp.Target) (Session, error) {
	c, err := s.svc.Connect(ctx, target)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("port", target.Port).
		Uint32("revision", c.Revision()).
		Int("baud", c.Baud()).
		Msg("device connected")
	return c, nil
}

func (s *SerialService) Write(ctx context.Context, sess Session, elf []byte, fd *image.FlashData, crystal image.Crystal) error {
	c, ok := sess.(*esp.Conn)
	if !ok {
		return fmt.Errorf("unsupported session type %T", sess)
	}
	return c.WriteFlash(ctx, elf, fd, crystal)
}
