// Package ports перечисляет последовательные порты и следит за их изменением.
package ports

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// DefaultInterval - период повторного опроса портов
const DefaultInterval = 5 * time.Second

// Lister возвращает имена портов, подключенных к системе
type Lister interface {
	GetPortsList() ([]string, error)
}

// ListerFunc адаптирует функцию к Lister
type ListerFunc func() ([]string, error)

// GetPortsList вызывает f
func (f ListerFunc) GetPortsList() ([]string, error) { return f() }

// SerialLister перечисляет порты через go.bug.st/serial
var SerialLister Lister = ListerFunc(serial.GetPortsList)

// Discover возвращает уникальные имена портов, отсортированные по возрастанию
func Discover(l Lister) ([]string, error) {
	raw, err := l.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get ports list: %w", err)
	}

	seen := make(map[string]struct{}, len(raw))
	names := make([]string, 0, len(raw))
	for _, name := range raw {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Sink получает результаты каждого опроса
type Sink interface {
	SetPorts(names []string)
	PortsFailed(err error)
}

// Watcher периодически опрашивает порты по расписанию cron
type Watcher struct {
	lister   Lister
	sink     Sink
	interval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	last    []string
	running bool
}

// NewWatcher создает Watcher. interval <= 0 означает DefaultInterval.
func NewWatcher(l Lister, sink Sink, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{lister: l, sink: sink, interval: interval}
}

// Poll выполняет один опрос и передает результат в Sink
func (w *Watcher) Poll() {
	names, err := Discover(w.lister)
	if err != nil {
		log.Warn().Err(err).Msg("port discovery failed")
		w.sink.PortsFailed(err)
		return
	}

	w.mu.Lock()
	changed := !equal(w.last, names)
	w.last = names
	w.mu.Unlock()

	if changed {
		log.Debug().Strs("ports", names).Msg("ports changed")
	}
	w.sink.SetPorts(names)
}

// Start выполняет первый опрос сразу и запускает периодический опрос
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.cron = cron.New()
	w.cron.Schedule(cron.Every(w.interval), cron.FuncJob(w.Poll))
	c := w.cron
	w.mu.Unlock()

	w.Poll()
	c.Start()
}

// Stop останавливает опрос и ждет завершения текущего задания
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	c := w.cron
	w.mu.Unlock()

	<-c.Stop().Done()
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
