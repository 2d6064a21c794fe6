package flasher

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"espzipflasher/internal/esp"
	"espzipflasher/internal/image"
)

type fakeSession struct {
	revision   uint32
	crystal    image.Crystal
	crystalErr error

	mu              sync.Mutex
	closed          int
	crystalCalls    int
	verifiedAgainst []uint32
}

func (s *fakeSession) VerifyMinimumRevision(minRevision uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifiedAgainst = append(s.verifiedAgainst, minRevision)
	if s.revision < minRevision {
		return &esp.RevisionError{Chip: esp.ChipESP32.Name, Required: minRevision, Actual: s.revision}
	}
	return nil
}

func (s *fakeSession) CrystalFrequency() (image.Crystal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crystalCalls++
	return s.crystal, s.crystalErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type writeCall struct {
	elf     []byte
	fd      *image.FlashData
	crystal image.Crystal
}

// fakeService считает вызовы и проверяет, что устройство не трогали лишний раз
type fakeService struct {
	session    *fakeSession
	connectErr error
	writeErr   error
	// block задерживает Write до закрытия канала
	block chan struct{}
	// progress отправляется через Target.Callback во время Write
	progress []float64

	mu      sync.Mutex
	targets []esp.Target
	writes  []writeCall
}

func newFakeService() *fakeService {
	return &fakeService{session: &fakeSession{revision: 3, crystal: image.Crystal40MHz}}
}

func (f *fakeService) Connect(_ context.Context, target esp.Target) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.session, nil
}

func (f *fakeService) Write(ctx context.Context, s Session, elf []byte, fd *image.FlashData, crystal image.Crystal) error {
	f.mu.Lock()
	f.writes = append(f.writes, writeCall{elf: elf, fd: fd, crystal: crystal})
	var cb esp.ProgressCallback
	if len(f.targets) > 0 {
		cb = f.targets[len(f.targets)-1].Callback
	}
	f.mu.Unlock()

	if s != Session(f.session) {
		return errors.New("write called with a foreign session")
	}
	for _, p := range f.progress {
		cb.EmitProgress(p, "block")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.writeErr
}

func (f *fakeService) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets)
}

func (f *fakeService) writeCalls() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

// writePackage создает fw.zip с указанными файлами
func writePackage(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, data := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}
