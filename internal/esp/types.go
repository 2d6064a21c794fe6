package esp

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ESP32 протокол команд
const (
	ESP_FLASH_BEGIN     = 0x02
	ESP_FLASH_DATA      = 0x03
	ESP_FLASH_END       = 0x04
	ESP_MEM_BEGIN       = 0x05
	ESP_MEM_END         = 0x06
	ESP_MEM_DATA        = 0x07
	ESP_SYNC            = 0x08
	ESP_READ_REG        = 0x0a
	ESP_SPI_SET_PARAMS  = 0x0b
	ESP_SPI_ATTACH      = 0x0d
	ESP_CHANGE_BAUDRATE = 0x0f
	ESP_SPI_FLASH_MD5   = 0x13

	// SLIP протокол
	SLIP_END     = 0xc0
	SLIP_ESC     = 0xdb
	SLIP_ESC_END = 0xdc
	SLIP_ESC_ESC = 0xdd

	// Размеры блоков
	ESP_FLASH_SECTOR          = 4096
	ESP_FLASH_BLOCK           = 65536
	ESP_FLASH_WRITE_SIZE      = 0x400 // 1024 байта для ROM
	ESP_STUB_FLASH_WRITE_SIZE = 0x4000
	ESP_RAM_BLOCK             = 0x1800

	// Регистры
	CHIP_DETECT_MAGIC_REG_ADDR = 0x40001000
	EFUSE_RD_REG_BASE          = 0x3ff5a000
	APB_CTL_DATE_ADDR          = 0x3ff6607c
	UART_CLKDIV_REG            = 0x3ff40014
	UART_CLKDIV_MASK           = 0xfffff

	// Константы тайминга
	SERIAL_FLASHER_RESET_HOLD_TIME_MS = 100
	SERIAL_FLASHER_BOOT_HOLD_TIME_MS  = 50

	// ROM загрузчик всегда стартует на этой скорости
	ROMBaudRate = 115200
)

// Chip описывает поддерживаемое семейство чипов
type Chip struct {
	Name string
	// Magic - значение регистра CHIP_DETECT_MAGIC_REG_ADDR
	Magic uint32
	// MinRevision - минимальная поддерживаемая ревизия кристалла
	MinRevision uint32
}

// ChipESP32 - единственный поддерживаемый чип
var ChipESP32 = Chip{Name: "ESP32", Magic: 0x00f01d83}

func (c Chip) String() string { return c.Name }

// ParseChip возвращает описание чипа по имени
func ParseChip(name string) (Chip, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "esp32":
		return ChipESP32, nil
	}
	return Chip{}, fmt.Errorf("unsupported chip %q", name)
}

// ResetMode определяет управление линиями DTR/RTS до и после прошивки
type ResetMode int

const (
	// ResetDefault - перед прошивкой: вход в bootloader через DTR/RTS,
	// после прошивки: то же, что ResetHard
	ResetDefault ResetMode = iota
	// ResetHard - перезагрузка через EN после прошивки
	ResetHard
	// ResetNone - линии не трогаем
	ResetNone
)

func (m ResetMode) String() string {
	switch m {
	case ResetHard:
		return "hard-reset"
	case ResetNone:
		return "no-reset"
	default:
		return "default-reset"
	}
}

// ParseResetMode разбирает "default-reset", "hard-reset", "no-reset"
func ParseResetMode(s string) (ResetMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "default-reset", "default_reset":
		return ResetDefault, nil
	case "hard", "hard-reset", "hard_reset":
		return ResetHard, nil
	case "none", "no-reset", "no_reset":
		return ResetNone, nil
	}
	return ResetDefault, fmt.Errorf("unknown reset mode %q", s)
}

// ProgressCallback интерфейс для коллбеков прогресса
type ProgressCallback interface {
	EmitProgress(fraction float64, message string)
	EmitLog(message string)
}

// Target - параметры подключения к устройству
type Target struct {
	Port   string
	Chip   Chip
	Baud   int
	Before ResetMode
	After  ResetMode
	// NoStub отключает загрузку stub; при Stub == nil используется ROM загрузчик
	NoStub bool
	Stub   *Stub
	// Verify включает проверку MD5 после записи
	Verify   bool
	Callback ProgressCallback
}

// Port - подмножество serial.Port, которое использует флешер
type Port interface {
	io.ReadWriter
	Close() error
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// OpenFunc открывает последовательный порт
type OpenFunc func(name string, mode *serial.Mode) (Port, error)

func openSerial(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
}

// RevisionError - ревизия кристалла ниже минимально допустимой
type RevisionError struct {
	Chip     string
	Required uint32
	Actual   uint32
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("device incompatible: %s revision %d is below the required minimum %d",
		e.Chip, e.Actual, e.Required)
}

// CommandError - загрузчик вернул ненулевой статус
type CommandError struct {
	Op     byte
	Status byte
	Code   byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02x failed with status %d (error 0x%02x)", e.Op, e.Status, e.Code)
}

// ChipMismatchError - подключенный чип не соответствует ожидаемому
type ChipMismatchError struct {
	Expected Chip
	Magic    uint32
}

func (e *ChipMismatchError) Error() string {
	return fmt.Sprintf("unexpected chip: expected %s (magic 0x%08x), device reports 0x%08x",
		e.Expected, e.Expected.Magic, e.Magic)
}
