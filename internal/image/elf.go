package image

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrMalformed возвращается для ELF, который нельзя превратить в образ прошивки
var ErrMalformed = errors.New("malformed firmware image")

// Segment - непрерывный блок данных, загружаемый по адресу Addr
type Segment struct {
	Addr uint32
	Data []byte
}

// Firmware - разобранный ELF образ
type Firmware struct {
	Entry    uint32
	Segments []Segment
}

// Size возвращает суммарный размер сегментов
func (fw *Firmware) Size() int {
	n := 0
	for _, s := range fw.Segments {
		n += len(s.Data)
	}
	return n
}

// Parse разбирает ELF байты. Используются PT_LOAD сегменты с ненулевым
// размером в файле, отсортированные по адресу.
func Parse(data []byte) (*Firmware, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: expected 32-bit little-endian ELF", ErrMalformed)
	}
	if f.Machine != elf.EM_XTENSA {
		return nil, fmt.Errorf("%w: unsupported machine %s", ErrMalformed, f.Machine)
	}

	fw := &Firmware{Entry: uint32(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		buf, err := io.ReadAll(p.Open())
		if err != nil {
			return nil, fmt.Errorf("%w: segment at 0x%08x: %v", ErrMalformed, p.Paddr, err)
		}
		if uint64(len(buf)) != p.Filesz {
			return nil, fmt.Errorf("%w: segment at 0x%08x is truncated", ErrMalformed, p.Paddr)
		}
		fw.Segments = append(fw.Segments, Segment{Addr: uint32(p.Paddr), Data: buf})
	}
	if len(fw.Segments) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrMalformed)
	}

	sort.Slice(fw.Segments, func(i, j int) bool {
		return fw.Segments[i].Addr < fw.Segments[j].Addr
	})

	return fw, nil
}
