package esp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Stub - загрузчик, который выполняется в RAM устройства и ускоряет запись.
// Формат файла совпадает с JSON stub'ами esptool.
type Stub struct {
	Entry     uint32 `json:"entry"`
	Text      []byte `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      []byte `json:"data"`
	DataStart uint32 `json:"data_start"`
}

// LoadStub читает stub из JSON файла (text и data в base64)
func LoadStub(path string) (*Stub, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stub: %w", err)
	}

	var s Stub
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode stub %s: %w", path, err)
	}
	if s.Entry == 0 || len(s.Text) == 0 {
		return nil, fmt.Errorf("stub %s has no entry point or text", path)
	}
	return &s, nil
}

// runStub загружает stub в RAM и ждет приветствия "OHAI"
func (c *Conn) runStub(s *Stub) error {
	c.emitLog("📥 Загрузка stub...")

	for _, part := range []struct {
		start uint32
		data  []byte
	}{{s.TextStart, s.Text}, {s.DataStart, s.Data}} {
		if len(part.data) == 0 {
			continue
		}
		size := uint32(len(part.data))
		blocks := (size + ESP_RAM_BLOCK - 1) / ESP_RAM_BLOCK
		if err := c.memBegin(size, blocks, ESP_RAM_BLOCK, part.start); err != nil {
			return err
		}
		for seq := uint32(0); seq < blocks; seq++ {
			from := seq * ESP_RAM_BLOCK
			to := from + ESP_RAM_BLOCK
			if to > size {
				to = size
			}
			if err := c.memData(part.data[from:to], seq); err != nil {
				return err
			}
		}
	}

	// ROM может не ответить на MEM_END, так как сразу переходит к stub
	_ = c.memEnd(s.Entry)

	deadline := time.Now().Add(3 * time.Second)
	for {
		pkt, err := c.readPacket(time.Until(deadline))
		if err != nil {
			return fmt.Errorf("stub did not start: %w", err)
		}
		if string(pkt) == "OHAI" {
			break
		}
		// запоздалый ответ на MEM_END
		if len(pkt) >= 8 && pkt[0] == 0x01 {
			continue
		}
		return fmt.Errorf("unexpected stub greeting %q", pkt)
	}

	c.stub = true
	c.statusLen = 2
	c.blockSize = ESP_STUB_FLASH_WRITE_SIZE
	c.emitLog("✅ Stub запущен")
	return nil
}
