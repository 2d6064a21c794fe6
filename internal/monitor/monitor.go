// Package monitor читает вывод устройства из последовательного порта построчно.
package monitor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// maxLine - порог, после которого неполная строка отправляется как есть
const maxLine = 1000

// Port - часть serial.Port, нужная монитору
type Port interface {
	Read(p []byte) (int, error)
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenFunc открывает порт для чтения
type OpenFunc func(name string, baud int) (Port, error)

// Handler получает строки и ошибки чтения
type Handler interface {
	Line(line string)
	Failed(err error)
}

// Monitor читает порт в отдельной горутине до вызова Stop
type Monitor struct {
	open OpenFunc

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New создает монитор; nil open означает go.bug.st/serial
func New(open OpenFunc) *Monitor {
	if open == nil {
		open = openSerial
	}
	return &Monitor{open: open}
}

func openSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
}

// Start открывает порт и начинает чтение. Предыдущий мониторинг останавливается.
func (m *Monitor) Start(portName string, baud int, h Handler) error {
	m.Stop()

	port, err := m.open(portName, baud)
	if err != nil {
		return fmt.Errorf("failed to open port for monitoring: %w", err)
	}

	m.mu.Lock()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	log.Info().Str("port", portName).Int("baud", baud).Msg("monitor started")
	go m.read(port, h, stop, done)
	return nil
}

// Running сообщает, идет ли мониторинг
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

// Stop останавливает чтение и ждет закрытия порта
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return false
	}
	close(stop)
	<-done
	return true
}

func (m *Monitor) read(port Port, h Handler, stop, done chan struct{}) {
	defer close(done)
	defer port.Close()

	var lines Splitter
	buffer := make([]byte, 1024)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
			h.Failed(err)
			return
		}

		n, err := port.Read(buffer)
		if err != nil {
			// закрытый порт - штатная остановка
			var pe *serial.PortError
			if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
				return
			}
			if strings.Contains(err.Error(), "file already closed") ||
				strings.Contains(err.Error(), "bad file descriptor") {
				return
			}
			h.Failed(err)
			return
		}

		for _, line := range lines.Push(buffer[:n]) {
			h.Line(line)
		}
	}
}

// Splitter собирает строки из потока байтов
type Splitter struct {
	buf strings.Builder
}

// Push добавляет данные и возвращает полные непустые строки без \r\n.
// Если строка без \n превышает maxLine, она возвращается целиком.
func (s *Splitter) Push(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s.buf.Write(data)
	pending := s.buf.String()

	var out []string
	for {
		idx := strings.IndexByte(pending, '\n')
		if idx < 0 {
			break
		}
		if line := strings.TrimSpace(pending[:idx]); line != "" {
			out = append(out, line)
		}
		pending = pending[idx+1:]
	}

	if len(pending) > maxLine {
		if line := strings.TrimSpace(pending); line != "" {
			out = append(out, line)
		}
		pending = ""
	}

	s.buf.Reset()
	s.buf.WriteString(pending)
	return out
}
