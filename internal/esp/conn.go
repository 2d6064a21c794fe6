// Package esp реализует работу с ROM загрузчиком ESP32 через последовательный порт.
package esp

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"espzipflasher/internal/image"
)

// Service открывает соединения с устройствами
type Service struct {
	open  OpenFunc
	sleep func(time.Duration)
}

// ServiceOption настраивает Service
type ServiceOption func(*Service)

// WithOpener заменяет функцию открытия порта (используется в тестах)
func WithOpener(fn OpenFunc) ServiceOption {
	return func(s *Service) { s.open = fn }
}

// WithSleep заменяет функцию паузы между переключениями линий
func WithSleep(fn func(time.Duration)) ServiceOption {
	return func(s *Service) { s.sleep = fn }
}

// NewService создает сервис прошивки поверх go.bug.st/serial
func NewService(opts ...ServiceOption) *Service {
	s := &Service{open: openSerial, sleep: time.Sleep}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conn - открытое соединение с ESP32 в режиме загрузчика
type Conn struct {
	port      Port
	target    Target
	callback  ProgressCallback
	sleep     func(time.Duration)
	rx        []byte
	baud      int
	blockSize uint32
	statusLen int
	stub      bool
	revision  uint32
}

// Connect открывает порт, переводит чип в загрузчик, проверяет тип чипа,
// при необходимости запускает stub и переключает скорость.
func (s *Service) Connect(ctx context.Context, t Target) (*Conn, error) {
	if t.Port == "" {
		return nil, errors.New("no port specified")
	}
	if t.Chip.Name == "" {
		t.Chip = ChipESP32
	}

	port, err := s.open(t.Port, serialMode(ROMBaudRate))
	if err != nil {
		return nil, fmt.Errorf("failed to open port: %w", err)
	}

	c := &Conn{
		port:      port,
		target:    t,
		callback:  t.Callback,
		sleep:     s.sleep,
		baud:      ROMBaudRate,
		blockSize: ESP_FLASH_WRITE_SIZE,
		statusLen: 4,
	}

	if err := c.handshake(ctx); err != nil {
		port.Close()
		return nil, err
	}

	log.Info().
		Str("port", t.Port).
		Str("chip", t.Chip.Name).
		Uint32("revision", c.revision).
		Int("baud", c.baud).
		Bool("stub", c.stub).
		Msg("connected to device")

	return c, nil
}

func (c *Conn) handshake(ctx context.Context) error {
	c.emitLog(fmt.Sprintf("🔗 Подключение к %s...", c.target.Port))
	if err := c.enterBootloader(c.target.Before); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	magic, err := c.readReg(CHIP_DETECT_MAGIC_REG_ADDR)
	if err != nil {
		return fmt.Errorf("chip detection failed: %w", err)
	}
	if magic != c.target.Chip.Magic {
		return &ChipMismatchError{Expected: c.target.Chip, Magic: magic}
	}

	if c.revision, err = c.readRevision(); err != nil {
		return err
	}
	c.emitLog(fmt.Sprintf("🔍 Обнаружен %s (ревизия %d)", c.target.Chip, c.revision))

	if !c.target.NoStub {
		if c.target.Stub != nil {
			if err := c.runStub(c.target.Stub); err != nil {
				return fmt.Errorf("failed to run stub: %w", err)
			}
		} else {
			c.emitLog("ℹ️ Stub не задан, используется ROM загрузчик")
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.target.Baud > 0 && c.target.Baud != c.baud {
		c.emitLog(fmt.Sprintf("🔄 Изменение скорости на %d bps...", c.target.Baud))
		if err := c.changeBaud(c.target.Baud); err != nil {
			return err
		}
	}
	return nil
}

// readRevision читает основную ревизию кристалла из eFuse
func (c *Conn) readRevision() (uint32, error) {
	word3, err := c.readReg(EFUSE_RD_REG_BASE + 4*3)
	if err != nil {
		return 0, err
	}
	word5, err := c.readReg(EFUSE_RD_REG_BASE + 4*5)
	if err != nil {
		return 0, err
	}
	apbDate, err := c.readReg(APB_CTL_DATE_ADDR)
	if err != nil {
		return 0, err
	}

	bits := (apbDate>>31&1)<<2 | (word5>>20&1)<<1 | word3>>15&1
	switch bits {
	case 1:
		return 1, nil
	case 3:
		return 2, nil
	case 7:
		return 3, nil
	}
	return 0, nil
}

// Close закрывает соединение
func (c *Conn) Close() error {
	return c.port.Close()
}

// Revision возвращает ревизию, прочитанную при подключении
func (c *Conn) Revision() uint32 { return c.revision }

// Baud возвращает текущую скорость обмена
func (c *Conn) Baud() int { return c.baud }

// VerifyMinimumRevision проверяет, что ревизия чипа не ниже minRevision
func (c *Conn) VerifyMinimumRevision(minRevision uint32) error {
	if c.revision < minRevision {
		return &RevisionError{Chip: c.target.Chip.Name, Required: minRevision, Actual: c.revision}
	}
	return nil
}

// CrystalFrequency определяет частоту кварца по делителю UART:
// ROM настроил делитель под текущую скорость, поэтому baud*div дает
// частоту тактирования UART.
func (c *Conn) CrystalFrequency() (image.Crystal, error) {
	div, err := c.readReg(UART_CLKDIV_REG)
	if err != nil {
		return 0, fmt.Errorf("failed to query crystal frequency: %w", err)
	}

	est := float64(c.baud) * float64(div&UART_CLKDIV_MASK) / 1e6
	if est > 33 {
		return image.Crystal40MHz, nil
	}
	return image.Crystal26MHz, nil
}

// WriteFlash записывает все участки FlashData и перезагружает чип
// согласно Target.After
func (c *Conn) WriteFlash(ctx context.Context, elf []byte, fd *image.FlashData, crystal image.Crystal) error {
	if fd == nil {
		return errors.New("no flash data")
	}
	if crystal != fd.Crystal() {
		return fmt.Errorf("crystal frequency mismatch: session %s, flash data %s", crystal, fd.Crystal())
	}

	digest := sha256.Sum256(elf)
	c.emitLog(fmt.Sprintf("📄 ELF %d байт, sha256 %x", len(elf), digest[:8]))

	if err := c.spiAttach(); err != nil {
		return err
	}
	if err := c.spiSetParams(fd.Geometry().Size.Bytes()); err != nil {
		return err
	}

	regions := fd.Regions()
	total := 0
	for _, r := range regions {
		total += len(r.Data)
	}

	written := 0
	for _, r := range regions {
		if err := c.writeRegion(ctx, r, &written, total); err != nil {
			return fmt.Errorf("%s at 0x%x: %w", r.Name, r.Offset, err)
		}
		if c.target.Verify {
			if err := c.verifyRegion(r); err != nil {
				return fmt.Errorf("%s at 0x%x: %w", r.Name, r.Offset, err)
			}
		}
	}

	if err := c.flashEnd(false); err != nil {
		return err
	}

	if c.target.After != ResetNone {
		c.hardReset()
	}

	c.emitLog("🎉 Прошивка завершена успешно!")
	return nil
}

func (c *Conn) writeRegion(ctx context.Context, r image.Region, written *int, total int) error {
	size := uint32(len(r.Data))
	c.emitLog(fmt.Sprintf("📋 %s: %d байт, адрес 0x%x", r.Name, size, r.Offset))

	if err := c.flashBegin(size, r.Offset); err != nil {
		return err
	}

	blocks := (size + c.blockSize - 1) / c.blockSize
	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := seq * c.blockSize
		end := start + c.blockSize
		if end > size {
			end = size
		}

		block := make([]byte, c.blockSize)
		copy(block, r.Data[start:end])
		// Заполняем оставшееся место 0xFF
		for i := end - start; i < c.blockSize; i++ {
			block[i] = 0xFF
		}

		if err := c.flashData(block, seq); err != nil {
			return fmt.Errorf("block %d/%d: %w", seq+1, blocks, err)
		}

		*written += int(end - start)
		c.emitProgress(float64(*written)/float64(total),
			fmt.Sprintf("Запись %s (%d/%d блоков)", r.Name, seq+1, blocks))
	}
	return nil
}

func (c *Conn) verifyRegion(r image.Region) error {
	got, err := c.flashMD5(r.Offset, uint32(len(r.Data)))
	if err != nil {
		return err
	}
	want := fmt.Sprintf("%x", md5.Sum(r.Data))
	if got != want {
		return fmt.Errorf("verification failed: flash MD5 %s, expected %s", got, want)
	}
	c.emitLog(fmt.Sprintf("✅ %s проверен (MD5 %s)", r.Name, want))
	return nil
}

func (c *Conn) emitLog(message string) {
	log.Debug().Str("port", c.target.Port).Msg(message)
	if c.callback != nil {
		c.callback.EmitLog(message)
	}
}

func (c *Conn) emitProgress(fraction float64, message string) {
	if c.callback != nil {
		c.callback.EmitProgress(fraction, message)
	}
}
