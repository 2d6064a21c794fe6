package main

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"espzipflasher/internal/config"
	"espzipflasher/internal/esp"
	"espzipflasher/internal/flasher"
	"espzipflasher/internal/image"
)

// hangingService держит Connect до отмены контекста
type hangingService struct {
	connected chan struct{}
}

func (s *hangingService) Connect(ctx context.Context, _ esp.Target) (flasher.Session, error) {
	close(s.connected)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

func (s *hangingService) Write(context.Context, flasher.Session, []byte, *image.FlashData, image.Crystal) error {
	return nil
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) emit(event string, _ ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, event)
}

func (e *events) has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.names {
		if n == name {
			return true
		}
	}
	return false
}

func writeZip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	fw, err := w.Create("firmware.elf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("elf"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return path
}

func TestShutdownWaitsForFlash(t *testing.T) {
	svc := &hangingService{connected: make(chan struct{})}
	a, err := NewApp(config.Default(), svc)
	require.NoError(t, err)

	ev := &events{}
	a.ctx = context.Background()
	a.emit = ev.emit

	a.SelectPackage(writeZip(t))
	a.SelectPort("COM3")
	require.NoError(t, a.Flash())

	select {
	case <-svc.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("flash did not reach connect")
	}

	a.shutdown(context.Background())
	assert.False(t, a.controller.Busy())
	assert.True(t, ev.has("flash-done"))
	assert.Equal(t, flasher.StageFailed, a.controller.State().Stage)
}

func TestWaitFlashWithoutFlash(t *testing.T) {
	a, err := NewApp(config.Default(), &hangingService{connected: make(chan struct{})})
	require.NoError(t, err)
	assert.True(t, a.waitFlash(time.Millisecond))
}
