package esp

import (
	"fmt"
	"time"
)

// resetStrategy - последовательность DTR/RTS для входа в загрузчик
type resetStrategy struct {
	name string
	run  func(c *Conn)
}

// Порядок важен: большинство плат работает со стандартной логикой,
// остальные варианты нужны для плат с инвертированными линиями и
// медленными RC цепочками на EN.
var resetStrategies = []resetStrategy{
	{name: "стандартная логика DTR/RTS", run: (*Conn).classicReset},
	{name: "инвертированная логика DTR/RTS", run: (*Conn).invertedReset},
	{name: "альтернативная последовательность", run: (*Conn).alternativeReset},
	{name: "агрессивный сброс", run: (*Conn).aggressiveReset},
}

// enterBootloader переводит ESP32 в режим загрузки
func (c *Conn) enterBootloader(mode ResetMode) error {
	_ = c.port.ResetInputBuffer()
	_ = c.port.ResetOutputBuffer()
	c.sleep(50 * time.Millisecond)

	if mode == ResetNone {
		c.emitLog("🔍 Сброс отключен, ожидаем ESP32 в режиме bootloader...")
		if err := c.sync(); err != nil {
			return fmt.Errorf("device is not in bootloader mode: %w", err)
		}
		return nil
	}

	for i, s := range resetStrategies {
		c.emitLog(fmt.Sprintf("🔄 Метод %d: %s...", i+1, s.name))
		s.run(c)
		c.drain()
		if err := c.sync(); err == nil {
			c.emitLog(fmt.Sprintf("✅ ESP32 в режиме bootloader (%s)", s.name))
			return nil
		}
	}

	c.emitLog("❌ Автоматический вход в bootloader не удался")
	c.emitLog("🔧 Удерживайте BOOT (GPIO0), нажмите и отпустите RESET, отпустите BOOT и повторите прошивку")

	return fmt.Errorf("failed to enter bootloader mode: %w", ErrSyncFailed)
}

// classicReset стандартная последовательность сброса
func (c *Conn) classicReset() {
	_ = c.port.SetDTR(true)  // GPIO0 = LOW
	_ = c.port.SetRTS(false) // EN = HIGH
	c.sleep(10 * time.Millisecond)

	_ = c.port.SetRTS(true) // EN = LOW (reset)
	c.sleep(SERIAL_FLASHER_RESET_HOLD_TIME_MS * time.Millisecond)

	_ = c.port.SetRTS(false) // EN = HIGH
	c.sleep(SERIAL_FLASHER_BOOT_HOLD_TIME_MS * time.Millisecond)

	_ = c.port.SetDTR(false) // GPIO0 = HIGH
	c.sleep(200 * time.Millisecond)
}

// invertedReset инвертированная логика сброса
func (c *Conn) invertedReset() {
	_ = c.port.SetDTR(false)
	_ = c.port.SetRTS(true)
	c.sleep(10 * time.Millisecond)

	_ = c.port.SetRTS(false)
	c.sleep(SERIAL_FLASHER_RESET_HOLD_TIME_MS * time.Millisecond)

	_ = c.port.SetRTS(true)
	c.sleep(SERIAL_FLASHER_BOOT_HOLD_TIME_MS * time.Millisecond)

	_ = c.port.SetDTR(true)
	c.sleep(200 * time.Millisecond)
}

// alternativeReset альтернативная последовательность с длинными паузами
func (c *Conn) alternativeReset() {
	_ = c.port.SetDTR(false) // GPIO0 = HIGH
	_ = c.port.SetRTS(false) // EN = HIGH
	c.sleep(100 * time.Millisecond)

	_ = c.port.SetDTR(true) // GPIO0 = LOW
	c.sleep(100 * time.Millisecond)

	_ = c.port.SetRTS(true) // EN = LOW
	c.sleep(100 * time.Millisecond)

	_ = c.port.SetRTS(false) // EN = HIGH
	c.sleep(250 * time.Millisecond)

	_ = c.port.SetDTR(false) // GPIO0 = HIGH
	c.sleep(250 * time.Millisecond)
}

// aggressiveReset агрессивная попытка сброса
func (c *Conn) aggressiveReset() {
	_ = c.port.ResetInputBuffer()
	_ = c.port.ResetOutputBuffer()

	_ = c.port.SetDTR(true) // GPIO0 = LOW
	_ = c.port.SetRTS(true) // EN = LOW
	c.sleep(200 * time.Millisecond)

	_ = c.port.SetRTS(false) // EN = HIGH
	c.sleep(300 * time.Millisecond)

	_ = c.port.SetDTR(false) // GPIO0 = HIGH
	c.sleep(100 * time.Millisecond)

	_ = c.port.SetDTR(true) // GPIO0 = LOW снова
	c.sleep(50 * time.Millisecond)
	_ = c.port.SetDTR(false)
	c.sleep(200 * time.Millisecond)
}

// hardReset перезагружает ESP32 в приложение
func (c *Conn) hardReset() {
	c.emitLog("🔄 Перезагрузка ESP32...")

	_ = c.port.SetDTR(false) // GPIO0 = HIGH (normal mode)
	_ = c.port.SetRTS(true)  // EN = LOW (reset)
	c.sleep(100 * time.Millisecond)
	_ = c.port.SetRTS(false) // EN = HIGH (release reset)
}
