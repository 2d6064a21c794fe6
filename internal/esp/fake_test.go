package esp

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// fakeDevice эмулирует ROM загрузчик ESP32 поверх Port
type fakeDevice struct {
	mu sync.Mutex

	rx    bytes.Buffer
	inbuf []byte

	regs       map[uint32]uint32
	ops        []byte
	flash      map[uint32][]byte
	flashAt    uint32
	failOp     byte
	stubbed    bool
	silent     bool
	lineEvents int
	closed     bool
	baud       int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		regs: map[uint32]uint32{
			CHIP_DETECT_MAGIC_REG_ADDR: ChipESP32.Magic,
			EFUSE_RD_REG_BASE + 4*3:    1 << 15,
			EFUSE_RD_REG_BASE + 4*5:    1 << 20,
			APB_CTL_DATE_ADDR:          0,
			UART_CLKDIV_REG:            40_000_000 / ROMBaudRate,
		},
		flash: map[uint32][]byte{},
		baud:  ROMBaudRate,
	}
}

func (d *fakeDevice) opener(name string, mode *serial.Mode) (Port, error) {
	d.baud = mode.BaudRate
	return d, nil
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rx.Len() == 0 {
		d.mu.Unlock()
		time.Sleep(time.Millisecond)
		d.mu.Lock()
		return 0, nil
	}
	return d.rx.Read(p)
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.inbuf = append(d.inbuf, p...)
	for {
		start := bytes.IndexByte(d.inbuf, SLIP_END)
		if start < 0 {
			break
		}
		end := bytes.IndexByte(d.inbuf[start+1:], SLIP_END)
		if end < 0 {
			break
		}
		end += start + 1
		frame := d.inbuf[start : end+1]
		d.inbuf = d.inbuf[end+1:]
		pkt, err := slipDecode(frame)
		if err != nil || len(pkt) < 8 {
			continue
		}
		d.handle(pkt[1], pkt[8:])
	}
	return len(p), nil
}

func (d *fakeDevice) handle(op byte, data []byte) {
	d.ops = append(d.ops, op)
	if d.silent {
		return
	}
	if op == d.failOp {
		d.respond(op, 0, nil, 0x01)
		return
	}

	le := binary.LittleEndian
	switch op {
	case ESP_SYNC:
		for i := 0; i < 3; i++ {
			d.respond(op, 0, nil, 0)
		}
	case ESP_READ_REG:
		d.respond(op, d.regs[le.Uint32(data[0:4])], nil, 0)
	case ESP_FLASH_BEGIN:
		d.flashAt = le.Uint32(data[12:16])
		d.flash[d.flashAt] = nil
		d.respond(op, 0, nil, 0)
	case ESP_FLASH_DATA:
		size := le.Uint32(data[0:4])
		d.flash[d.flashAt] = append(d.flash[d.flashAt], data[16:16+size]...)
		d.respond(op, 0, nil, 0)
	case ESP_SPI_FLASH_MD5:
		addr, size := le.Uint32(data[0:4]), le.Uint32(data[4:8])
		sum := md5.Sum(d.flash[addr][:size])
		if d.stubbed {
			d.respond(op, 0, sum[:], 0)
		} else {
			d.respond(op, 0, []byte(fmt.Sprintf("%X", sum)), 0)
		}
	case ESP_CHANGE_BAUDRATE:
		d.respond(op, 0, nil, 0)
		d.regs[UART_CLKDIV_REG] = 40_000_000 / le.Uint32(data[0:4])
	case ESP_MEM_END:
		d.respond(op, 0, nil, 0)
		d.rx.Write(slipEncode([]byte("OHAI")))
		d.stubbed = true
	default:
		d.respond(op, 0, nil, 0)
	}
}

func (d *fakeDevice) respond(op byte, value uint32, data []byte, status byte) {
	statusLen := 4
	if d.stubbed {
		statusLen = 2
	}
	body := append(append([]byte(nil), data...), make([]byte, statusLen)...)
	body[len(data)] = status

	pkt := make([]byte, 8, 8+len(body))
	pkt[0] = 0x01
	pkt[1] = op
	binary.LittleEndian.PutUint16(pkt[2:4], uint16(len(body)))
	binary.LittleEndian.PutUint32(pkt[4:8], value)
	d.rx.Write(slipEncode(append(pkt, body...)))
}

func (d *fakeDevice) opsCount(op byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) SetMode(mode *serial.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baud = mode.BaudRate
	return nil
}

func (d *fakeDevice) SetReadTimeout(time.Duration) error { return nil }

func (d *fakeDevice) SetDTR(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineEvents++
	return nil
}

func (d *fakeDevice) SetRTS(bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineEvents++
	return nil
}

func (d *fakeDevice) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx.Reset()
	return nil
}

func (d *fakeDevice) ResetOutputBuffer() error { return nil }

// recorder собирает сообщения ProgressCallback
type recorder struct {
	mu       sync.Mutex
	logs     []string
	progress []float64
}

func (r *recorder) EmitProgress(fraction float64, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, fraction)
}

func (r *recorder) EmitLog(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, message)
}

func noSleep(time.Duration) {}
