package ports

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu    sync.Mutex
	ports [][]string
	errs  []error
}

func (s *sink) SetPorts(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = append(s.ports, names)
}

func (s *sink) PortsFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sink) polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports) + len(s.errs)
}

func static(names ...string) Lister {
	return ListerFunc(func() ([]string, error) { return names, nil })
}

func TestDiscoverDedupesAndSorts(t *testing.T) {
	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{"empty", nil, []string{}},
		{"single", []string{"COM3"}, []string{"COM3"}},
		{"duplicates", []string{"COM3", "COM1", "COM3", "COM1"}, []string{"COM1", "COM3"}},
		{"unix", []string{"/dev/ttyUSB1", "/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyUSB1"}, []string{"/dev/ttyACM0", "/dev/ttyUSB0", "/dev/ttyUSB1"}},
		{"blank names", []string{"", "COM2", ""}, []string{"COM2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover(static(tt.raw...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverError(t *testing.T) {
	denied := errors.New("permission denied")
	_, err := Discover(ListerFunc(func() ([]string, error) { return nil, denied }))
	require.ErrorIs(t, err, denied)
}

func TestWatcherPoll(t *testing.T) {
	s := &sink{}
	w := NewWatcher(static("COM4", "COM3", "COM4"), s, 0)
	assert.Equal(t, DefaultInterval, w.interval)

	w.Poll()
	require.Len(t, s.ports, 1)
	assert.Equal(t, []string{"COM3", "COM4"}, s.ports[0])

	failing := NewWatcher(ListerFunc(func() ([]string, error) { return nil, errors.New("boom") }), s, time.Second)
	failing.Poll()
	require.Len(t, s.errs, 1)
	assert.Contains(t, s.errs[0].Error(), "boom")
}

func TestWatcherStartStop(t *testing.T) {
	s := &sink{}
	w := NewWatcher(static("COM3"), s, time.Second)

	w.Start()
	w.Start()
	// первый опрос выполняется синхронно при старте
	assert.Equal(t, 1, s.polls())

	assert.Eventually(t, func() bool { return s.polls() >= 2 }, 3*time.Second, 50*time.Millisecond)

	w.Stop()
	w.Stop()
	n := s.polls()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, s.polls())
}
