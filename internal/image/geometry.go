package image

import (
	"fmt"
	"strings"
)

// Mode - ширина шины данных SPI flash
type Mode uint8

// Нулевое значение означает "по умолчанию для устройства"
const (
	ModeDefault Mode = iota
	ModeQIO
	ModeQOUT
	ModeDIO
	ModeDOUT
)

func (m Mode) String() string {
	switch m {
	case ModeQIO:
		return "QIO"
	case ModeQOUT:
		return "QOUT"
	case ModeDIO:
		return "DIO"
	case ModeDOUT:
		return "DOUT"
	default:
		return "default"
	}
}

// headerByte возвращает значение байта режима в заголовке образа
func (m Mode) headerByte() byte {
	switch m {
	case ModeQIO:
		return 0x00
	case ModeQOUT:
		return 0x01
	case ModeDIO:
		return 0x02
	case ModeDOUT:
		return 0x03
	default:
		return 0x02
	}
}

// ParseMode разбирает режим flash ("dio", "qio", ...). Пустая строка - default.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ModeDefault, nil
	case "qio":
		return ModeQIO, nil
	case "qout":
		return ModeQOUT, nil
	case "dio":
		return ModeDIO, nil
	case "dout":
		return ModeDOUT, nil
	}
	return ModeDefault, fmt.Errorf("unknown flash mode %q", s)
}

// Frequency - тактовая частота SPI flash
type Frequency uint8

const (
	FrequencyDefault Frequency = iota
	Frequency20MHz
	Frequency26MHz
	Frequency40MHz
	Frequency80MHz
)

func (f Frequency) String() string {
	switch f {
	case Frequency20MHz:
		return "20MHz"
	case Frequency26MHz:
		return "26MHz"
	case Frequency40MHz:
		return "40MHz"
	case Frequency80MHz:
		return "80MHz"
	default:
		return "default"
	}
}

func (f Frequency) headerNibble() byte {
	switch f {
	case Frequency20MHz:
		return 0x2
	case Frequency26MHz:
		return 0x1
	case Frequency80MHz:
		return 0xf
	default:
		return 0x0
	}
}

// ParseFrequency принимает "80m", "80mhz", "80MHz"
func ParseFrequency(s string) (Frequency, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(strings.TrimSuffix(v, "hz"), "m")
	switch v {
	case "", "default":
		return FrequencyDefault, nil
	case "20":
		return Frequency20MHz, nil
	case "26":
		return Frequency26MHz, nil
	case "40":
		return Frequency40MHz, nil
	case "80":
		return Frequency80MHz, nil
	}
	return FrequencyDefault, fmt.Errorf("unknown flash frequency %q", s)
}

// Size - объем SPI flash
type Size uint8

const (
	SizeDefault Size = iota
	Size1MB
	Size2MB
	Size4MB
	Size8MB
	Size16MB
)

var sizeBytes = map[Size]uint32{
	Size1MB:  1 << 20,
	Size2MB:  2 << 20,
	Size4MB:  4 << 20,
	Size8MB:  8 << 20,
	Size16MB: 16 << 20,
}

func (s Size) String() string {
	if s == SizeDefault {
		return "default"
	}
	return fmt.Sprintf("%dMB", sizeBytes[s]>>20)
}

// Bytes возвращает объем в байтах (0 для SizeDefault)
func (s Size) Bytes() uint32 {
	return sizeBytes[s]
}

func (s Size) headerNibble() byte {
	switch s {
	case Size1MB:
		return 0x0
	case Size2MB:
		return 0x1
	case Size8MB:
		return 0x3
	case Size16MB:
		return 0x4
	default:
		return 0x2
	}
}

// ParseSize принимает "4MB", "4mb", "4m"
func ParseSize(s string) (Size, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(strings.TrimSuffix(v, "b"), "m")
	switch v {
	case "", "default":
		return SizeDefault, nil
	case "1":
		return Size1MB, nil
	case "2":
		return Size2MB, nil
	case "4":
		return Size4MB, nil
	case "8":
		return Size8MB, nil
	case "16":
		return Size16MB, nil
	}
	return SizeDefault, fmt.Errorf("unknown flash size %q", s)
}

// Geometry описывает параметры flash. Поля с нулевым значением
// берутся из значений по умолчанию чипа.
type Geometry struct {
	Mode      Mode
	Frequency Frequency
	Size      Size
}

// DefaultGeometry - конфигурация прошивки по умолчанию: DIO, 80MHz, 4MB
func DefaultGeometry() Geometry {
	return Geometry{Mode: ModeDIO, Frequency: Frequency80MHz, Size: Size4MB}
}

// chipDefaults - значения ROM загрузчика ESP32
var chipDefaults = Geometry{Mode: ModeDIO, Frequency: Frequency40MHz, Size: Size4MB}

// ParseGeometry собирает Geometry из строковых значений конфигурации
func ParseGeometry(mode, freq, size string) (Geometry, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return Geometry{}, err
	}
	f, err := ParseFrequency(freq)
	if err != nil {
		return Geometry{}, err
	}
	s, err := ParseSize(size)
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{Mode: m, Frequency: f, Size: s}, nil
}

// Resolved заменяет незаданные поля значениями по умолчанию чипа
func (g Geometry) Resolved() Geometry {
	if g.Mode == ModeDefault {
		g.Mode = chipDefaults.Mode
	}
	if g.Frequency == FrequencyDefault {
		g.Frequency = chipDefaults.Frequency
	}
	if g.Size == SizeDefault {
		g.Size = chipDefaults.Size
	}
	return g
}

func (g Geometry) String() string {
	return fmt.Sprintf("mode=%s freq=%s size=%s", g.Mode, g.Frequency, g.Size)
}

// headerBytes возвращает байты 2 и 3 заголовка образа
func (g Geometry) headerBytes() (byte, byte) {
	r := g.Resolved()
	return r.Mode.headerByte(), r.Size.headerNibble()<<4 | r.Frequency.headerNibble()
}
