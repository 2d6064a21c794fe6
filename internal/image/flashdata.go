package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Адреса разделов во flash ESP32
const (
	BootloaderOffset = 0x1000
	PartitionsOffset = 0x8000
	AppOffset        = 0x10000
)

const (
	imageMagic     = 0xE9
	checksumMagic  = 0xEF
	segHeaderLen   = 8
	flashAlign     = 0x10000
	extHeaderWPPin = 0xEE
)

// Crystal - частота кварцевого генератора устройства в МГц
type Crystal uint32

const (
	Crystal26MHz Crystal = 26
	Crystal40MHz Crystal = 40
)

func (c Crystal) String() string {
	return fmt.Sprintf("%dMHz", uint32(c))
}

// Valid сообщает, получено ли значение от устройства
func (c Crystal) Valid() bool {
	return c == Crystal26MHz || c == Crystal40MHz
}

// Region - участок flash для записи
type Region struct {
	Name   string
	Offset uint32
	Data   []byte
}

// FlashData - готовый к передаче набор данных. Создается только через Build
// и не изменяется после создания.
type FlashData struct {
	firmware   *Firmware
	geometry   Geometry
	bootloader []byte
	partitions []byte
	crystal    Crystal
	app        []byte
}

// Build объединяет разобранный образ с параметрами flash. bootloader и
// partitions - необязательные замены (nil - не записывать). crystal должен быть
// получен от подключенного устройства.
func Build(fw *Firmware, g Geometry, bootloader, partitions []byte, crystal Crystal) (*FlashData, error) {
	if fw == nil || len(fw.Segments) == 0 {
		return nil, fmt.Errorf("%w: empty firmware", ErrMalformed)
	}
	if !crystal.Valid() {
		return nil, fmt.Errorf("crystal frequency %s was not reported by a device", crystal)
	}

	fd := &FlashData{
		firmware: fw,
		geometry: g.Resolved(),
		crystal:  crystal,
	}
	if bootloader != nil {
		b, err := patchBootloader(bootloader, g)
		if err != nil {
			return nil, err
		}
		fd.bootloader = b
	}
	if partitions != nil {
		fd.partitions = append([]byte(nil), partitions...)
	}
	fd.app = encodeApp(fw, g)

	return fd, nil
}

// Geometry возвращает итоговые параметры flash
func (fd *FlashData) Geometry() Geometry { return fd.geometry }

// Crystal возвращает частоту кварца устройства
func (fd *FlashData) Crystal() Crystal { return fd.crystal }

// Firmware возвращает разобранный ELF
func (fd *FlashData) Firmware() *Firmware { return fd.firmware }

// AppImage возвращает копию образа приложения
func (fd *FlashData) AppImage() []byte {
	return append([]byte(nil), fd.app...)
}

// Regions возвращает участки для записи в порядке возрастания адреса
func (fd *FlashData) Regions() []Region {
	var regions []Region
	if fd.bootloader != nil {
		regions = append(regions, Region{Name: "bootloader", Offset: BootloaderOffset, Data: fd.bootloader})
	}
	if fd.partitions != nil {
		regions = append(regions, Region{Name: "partition-table", Offset: PartitionsOffset, Data: fd.partitions})
	}
	return append(regions, Region{Name: "application", Offset: AppOffset, Data: fd.AppImage()})
}

// patchBootloader записывает параметры flash в заголовок загрузчика
func patchBootloader(b []byte, g Geometry) ([]byte, error) {
	if len(b) < 24 || b[0] != imageMagic {
		return nil, errors.New("bootloader override is not an ESP image")
	}
	out := append([]byte(nil), b...)
	out[2], out[3] = g.headerBytes()
	return out, nil
}

// isFlashMapped сообщает, отображается ли адрес из flash (DROM или IROM)
func isFlashMapped(addr uint32) bool {
	return (addr >= 0x3F400000 && addr < 0x3F800000) ||
		(addr >= 0x400D0000 && addr < 0x40400000)
}

// alignmentPadding возвращает длину данных сегмента-заполнителя, после
// которого данные сегмента seg окажутся на том же смещении внутри 64 KiB
// страницы, что и его адрес
func alignmentPadding(pos int, seg Segment) int {
	alignPast := int(seg.Addr%flashAlign) - segHeaderLen
	pad := (flashAlign - pos%flashAlign) + alignPast
	if pad == 0 || pad == flashAlign {
		return 0
	}
	pad -= segHeaderLen
	if pad < 0 {
		pad += flashAlign
	}
	return pad
}

// encodeApp сериализует образ приложения ESP32
func encodeApp(fw *Firmware, g Geometry) []byte {
	var body bytes.Buffer
	pos := 24 // общий заголовок + расширенный
	count := 0
	checksum := byte(checksumMagic)

	writeSeg := func(addr uint32, data []byte) {
		if rem := len(data) % 4; rem != 0 {
			data = append(append([]byte(nil), data...), make([]byte, 4-rem)...)
		}
		var hdr [segHeaderLen]byte
		binary.LittleEndian.PutUint32(hdr[0:4], addr)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
		body.Write(hdr[:])
		body.Write(data)
		for _, b := range data {
			checksum ^= b
		}
		pos += segHeaderLen + len(data)
		count++
	}

	for _, seg := range fw.Segments {
		if isFlashMapped(seg.Addr) {
			if pad := alignmentPadding(pos, seg); pad > 0 {
				writeSeg(0, make([]byte, pad))
			}
		}
		writeSeg(seg.Addr, seg.Data)
	}

	var out bytes.Buffer
	mode, sizeFreq := g.headerBytes()
	out.Write([]byte{imageMagic, byte(count), mode, sizeFreq})
	_ = binary.Write(&out, binary.LittleEndian, fw.Entry)

	// расширенный заголовок
	ext := make([]byte, 16)
	ext[0] = extHeaderWPPin
	// ext[1:4] - drive settings, ext[4:6] - chip id (0 для ESP32), ext[6] - min rev
	binary.LittleEndian.PutUint16(ext[7:9], 0)
	binary.LittleEndian.PutUint16(ext[9:11], 0xFFFF)
	ext[15] = 1 // hash appended
	out.Write(ext)
	out.Write(body.Bytes())

	// выравнивание: контрольная сумма - последний байт 16-байтового блока
	pad := 15 - out.Len()%16
	out.Write(make([]byte, pad))
	out.WriteByte(checksum)

	digest := sha256.Sum256(out.Bytes())
	out.Write(digest[:])

	return out.Bytes()
}
