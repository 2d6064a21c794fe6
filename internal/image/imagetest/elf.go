// Package imagetest собирает тестовые ELF файлы для пакетов, работающих с прошивкой.
package imagetest

import (
	"bytes"
	"encoding/binary"
)

// Segment - загружаемый сегмент тестового ELF
type Segment struct {
	Addr uint32
	Data []byte
}

// BuildELF собирает минимальный ELF32 Xtensa с PT_LOAD сегментами.
// Если total больше фактического размера, файл дополняется нулями.
func BuildELF(entry uint32, segs []Segment, total int) []byte {
	const ehdrSize, phdrSize = 52, 32

	var buf bytes.Buffer
	le := binary.LittleEndian
	put := func(v any) { _ = binary.Write(&buf, le, v) }

	ident := [16]byte{0x7f, 'E', 'L', 'F', 1, 1, 1}
	buf.Write(ident[:])
	put(uint16(2))  // ET_EXEC
	put(uint16(94)) // EM_XTENSA
	put(uint32(1))
	put(entry)
	put(uint32(ehdrSize))
	put(uint32(0)) // shoff
	put(uint32(0)) // flags
	put(uint16(ehdrSize))
	put(uint16(phdrSize))
	put(uint16(len(segs)))
	put(uint16(40))
	put(uint16(0))
	put(uint16(0))

	off := uint32(ehdrSize + phdrSize*len(segs))
	for _, s := range segs {
		put(uint32(1)) // PT_LOAD
		put(off)
		put(s.Addr)
		put(s.Addr)
		put(uint32(len(s.Data)))
		put(uint32(len(s.Data)))
		put(uint32(5))
		put(uint32(4))
		off += uint32(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	if buf.Len() < total {
		buf.Write(make([]byte, total-buf.Len()))
	}
	return buf.Bytes()
}

// Firmware возвращает корректный ELF размером 1024 байта с сегментами
// в DRAM, IROM и IRAM.
func Firmware() []byte {
	return BuildELF(0x40080004, []Segment{
		{Addr: 0x3FFB0000, Data: bytes.Repeat([]byte{0x11}, 64)},
		{Addr: 0x400D0020, Data: bytes.Repeat([]byte{0x22}, 256)},
		{Addr: 0x40080000, Data: bytes.Repeat([]byte{0x33}, 130)},
	}, 1024)
}
