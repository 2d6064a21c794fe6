package esp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout - устройство не ответило вовремя
	ErrTimeout = errors.New("timeout waiting for response")
	// ErrSyncFailed - не удалось синхронизироваться с ROM загрузчиком
	ErrSyncFailed = errors.New("failed to sync with ESP32")
)

const (
	defaultTimeout  = 3 * time.Second
	syncTimeout     = 100 * time.Millisecond
	syncAttempts    = 7
	flashDataRetry  = 3
	eraseTimeoutPMB = 30 * time.Second
	md5TimeoutPMB   = 8 * time.Second
)

type response struct {
	value uint32
	data  []byte
}

// slipEncode кодирует данные в SLIP протокол
func slipEncode(data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(SLIP_END)

	for _, b := range data {
		switch b {
		case SLIP_END:
			buf.WriteByte(SLIP_ESC)
			buf.WriteByte(SLIP_ESC_END)
		case SLIP_ESC:
			buf.WriteByte(SLIP_ESC)
			buf.WriteByte(SLIP_ESC_ESC)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(SLIP_END)
	return buf.Bytes()
}

// slipDecode декодирует SLIP пакет
func slipDecode(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != SLIP_END || data[len(data)-1] != SLIP_END {
		return nil, fmt.Errorf("invalid SLIP packet")
	}

	var buf bytes.Buffer
	escaped := false

	for i := 1; i < len(data)-1; i++ {
		b := data[i]
		if escaped {
			switch b {
			case SLIP_ESC_END:
				buf.WriteByte(SLIP_END)
			case SLIP_ESC_ESC:
				buf.WriteByte(SLIP_ESC)
			default:
				return nil, fmt.Errorf("invalid escape sequence")
			}
			escaped = false
		} else if b == SLIP_ESC {
			escaped = true
		} else {
			buf.WriteByte(b)
		}
	}

	return buf.Bytes(), nil
}

// calculateChecksum вычисляет контрольную сумму для данных
func calculateChecksum(data []byte) uint32 {
	checksum := uint32(0xEF)
	for _, b := range data {
		checksum ^= uint32(b)
	}
	return checksum & 0xFF
}

// timeoutPerMB масштабирует таймаут по размеру данных
func timeoutPerMB(perMB time.Duration, size uint32) time.Duration {
	t := time.Duration(float64(perMB) * float64(size) / 1e6)
	if t < defaultTimeout {
		return defaultTimeout
	}
	return t
}

// sendCommand отправляет команду в ESP32
func (c *Conn) sendCommand(cmd byte, data []byte, checksum uint32) error {
	packet := make([]byte, 8+len(data))
	packet[0] = 0x00                                              // Direction (request)
	packet[1] = cmd                                               // Command
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(data))) // Size
	binary.LittleEndian.PutUint32(packet[4:8], checksum)          // Checksum
	copy(packet[8:], data)

	_, err := c.port.Write(slipEncode(packet))
	return err
}

// readPacket читает следующий SLIP пакет. Мусор до первого SLIP_END
// (например, вывод ROM после сброса) отбрасывается.
func (c *Conn) readPacket(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 256)

	for {
		if pkt, ok := c.nextFrame(); ok {
			return slipDecode(pkt)
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		remaining := time.Until(deadline)
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}

		n, err := c.port.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to read from port: %w", err)
		}
		c.rx = append(c.rx, chunk[:n]...)
	}
}

// nextFrame выделяет из буфера приема полный кадр вместе с ограничителями
func (c *Conn) nextFrame() ([]byte, bool) {
	for {
		start := bytes.IndexByte(c.rx, SLIP_END)
		if start < 0 {
			c.rx = c.rx[:0]
			return nil, false
		}
		c.rx = c.rx[start:]

		end := bytes.IndexByte(c.rx[1:], SLIP_END)
		if end < 0 {
			return nil, false
		}
		end++
		if end == 1 {
			// два SLIP_END подряд: первый был концом предыдущего кадра
			c.rx = c.rx[1:]
			continue
		}

		frame := append([]byte(nil), c.rx[:end+1]...)
		c.rx = c.rx[end+1:]
		return frame, true
	}
}

// drain отбрасывает все непрочитанные данные
func (c *Conn) drain() {
	_ = c.port.ResetInputBuffer()
	c.rx = c.rx[:0]
}

// command отправляет команду и ждет ответ на нее. Ответы на другие
// команды (например, повторные ответы на SYNC) пропускаются.
func (c *Conn) command(op byte, data []byte, checksum uint32, timeout time.Duration) (*response, error) {
	if err := c.sendCommand(op, data, checksum); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%02x: %w", op, err)
	}

	for i := 0; i < 100; i++ {
		pkt, err := c.readPacket(timeout)
		if err != nil {
			return nil, err
		}
		if len(pkt) < 8 || pkt[0] != 0x01 || pkt[1] != op {
			continue
		}

		value := binary.LittleEndian.Uint32(pkt[4:8])
		body := pkt[8:]
		if size := int(binary.LittleEndian.Uint16(pkt[2:4])); size < len(body) {
			body = body[:size]
		}
		if len(body) < c.statusLen {
			return nil, fmt.Errorf("short response to command 0x%02x", op)
		}

		status := body[len(body)-c.statusLen]
		if status != 0x00 {
			return nil, &CommandError{Op: op, Status: status, Code: body[len(body)-c.statusLen+1]}
		}
		return &response{value: value, data: body[:len(body)-c.statusLen]}, nil
	}

	return nil, fmt.Errorf("no response to command 0x%02x", op)
}

// sync синхронизируется с ESP32
func (c *Conn) sync() error {
	// Sync команда: 0x07 0x07 0x12 0x20 + 32 байта 0x55
	syncData := make([]byte, 36)
	syncData[0] = 0x07
	syncData[1] = 0x07
	syncData[2] = 0x12
	syncData[3] = 0x20
	for i := 4; i < 36; i++ {
		syncData[i] = 0x55
	}

	for i := 0; i < syncAttempts; i++ {
		if _, err := c.command(ESP_SYNC, syncData, 0, syncTimeout); err == nil {
			// ROM отвечает на SYNC несколько раз, лишние ответы отбрасываем
			c.sleep(50 * time.Millisecond)
			c.drain()
			return nil
		}
		c.sleep(50 * time.Millisecond)
	}

	return ErrSyncFailed
}

// readReg читает 32-битный регистр
func (c *Conn) readReg(addr uint32) (uint32, error) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)

	resp, err := c.command(ESP_READ_REG, data, 0, defaultTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to read register 0x%08x: %w", addr, err)
	}
	return resp.value, nil
}

// spiAttach подключает SPI flash
func (c *Conn) spiAttach() error {
	// ROM ESP32 ожидает 8 байт: hspi_arg + is_legacy + выравнивание
	data := make([]byte, 8)
	if _, err := c.command(ESP_SPI_ATTACH, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("SPI attach failed: %w", err)
	}
	return nil
}

// spiSetParams сообщает загрузчику объем flash
func (c *Conn) spiSetParams(totalSize uint32) error {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data[0:4], 0) // fl_id
	binary.LittleEndian.PutUint32(data[4:8], totalSize)
	binary.LittleEndian.PutUint32(data[8:12], ESP_FLASH_BLOCK)
	binary.LittleEndian.PutUint32(data[12:16], ESP_FLASH_SECTOR)
	binary.LittleEndian.PutUint32(data[16:20], 0x100)  // page size
	binary.LittleEndian.PutUint32(data[20:24], 0xffff) // status mask

	if _, err := c.command(ESP_SPI_SET_PARAMS, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("SPI set params failed: %w", err)
	}
	return nil
}

// changeBaud переключает скорость загрузчика и порта
func (c *Conn) changeBaud(baud int) error {
	oldBaud := uint32(0)
	if c.stub {
		oldBaud = uint32(c.baud)
	}

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], uint32(baud))
	binary.LittleEndian.PutUint32(data[4:8], oldBaud)

	if _, err := c.command(ESP_CHANGE_BAUDRATE, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("baudrate change failed: %w", err)
	}
	if err := c.port.SetMode(serialMode(baud)); err != nil {
		return fmt.Errorf("failed to reconfigure port with new baudrate: %w", err)
	}

	c.baud = baud
	c.sleep(50 * time.Millisecond)
	c.drain()
	return nil
}

// flashBegin начинает процесс прошивки
func (c *Conn) flashBegin(size, offset uint32) error {
	numBlocks := (size + c.blockSize - 1) / c.blockSize
	eraseSize := ((size + ESP_FLASH_SECTOR - 1) / ESP_FLASH_SECTOR) * ESP_FLASH_SECTOR

	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], eraseSize)
	binary.LittleEndian.PutUint32(data[4:8], numBlocks)
	binary.LittleEndian.PutUint32(data[8:12], c.blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)

	if _, err := c.command(ESP_FLASH_BEGIN, data, 0, timeoutPerMB(eraseTimeoutPMB, eraseSize)); err != nil {
		return fmt.Errorf("flash begin failed: %w", err)
	}
	return nil
}

// flashData отправляет блок данных для прошивки
func (c *Conn) flashData(block []byte, seq uint32) error {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(header[4:8], seq)

	payload := append(header, block...)
	checksum := calculateChecksum(block)

	var lastErr error
	for attempt := 0; attempt < flashDataRetry; attempt++ {
		_, err := c.command(ESP_FLASH_DATA, payload, checksum, defaultTimeout)
		if err == nil {
			return nil
		}
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return fmt.Errorf("flash data failed at seq %d: %w", seq, err)
		}
		lastErr = err
		c.sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("flash data failed after %d attempts at seq %d: %w", flashDataRetry, seq, lastErr)
}

// flashEnd завершает процесс прошивки. reboot=false оставляет чип в загрузчике.
func (c *Conn) flashEnd(reboot bool) error {
	data := make([]byte, 4)
	if !reboot {
		binary.LittleEndian.PutUint32(data, 1)
	}

	if _, err := c.command(ESP_FLASH_END, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("flash end failed: %w", err)
	}
	return nil
}

// flashMD5 возвращает MD5 участка flash в виде hex строки
func (c *Conn) flashMD5(offset, size uint32) (string, error) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], offset)
	binary.LittleEndian.PutUint32(data[4:8], size)

	resp, err := c.command(ESP_SPI_FLASH_MD5, data, 0, timeoutPerMB(md5TimeoutPMB, size))
	if err != nil {
		return "", fmt.Errorf("flash MD5 failed: %w", err)
	}

	switch len(resp.data) {
	case 32: // ROM возвращает hex строку
		return string(bytes.ToLower(resp.data)), nil
	case 16: // stub возвращает сырые байты
		return fmt.Sprintf("%x", resp.data), nil
	}
	return "", fmt.Errorf("unexpected MD5 response length %d", len(resp.data))
}

// memBegin, memData, memEnd загружают код в RAM (используется для stub)
func (c *Conn) memBegin(size, blocks, blockSize, offset uint32) error {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:4], size)
	binary.LittleEndian.PutUint32(data[4:8], blocks)
	binary.LittleEndian.PutUint32(data[8:12], blockSize)
	binary.LittleEndian.PutUint32(data[12:16], offset)

	if _, err := c.command(ESP_MEM_BEGIN, data, 0, defaultTimeout); err != nil {
		return fmt.Errorf("mem begin failed: %w", err)
	}
	return nil
}

func (c *Conn) memData(block []byte, seq uint32) error {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(block)))
	binary.LittleEndian.PutUint32(header[4:8], seq)

	if _, err := c.command(ESP_MEM_DATA, append(header, block...), calculateChecksum(block), defaultTimeout); err != nil {
		return fmt.Errorf("mem data failed at seq %d: %w", seq, err)
	}
	return nil
}

func (c *Conn) memEnd(entry uint32) error {
	data := make([]byte, 8)
	if entry == 0 {
		binary.LittleEndian.PutUint32(data[0:4], 1)
	}
	binary.LittleEndian.PutUint32(data[4:8], entry)

	_, err := c.command(ESP_MEM_END, data, 0, 50*time.Millisecond)
	return err
}
