// Package flasher управляет полным циклом прошивки пакета: распаковка,
// подключение, сборка образа и запись.
package flasher

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"espzipflasher/internal/archive"
	"espzipflasher/internal/image"
	"espzipflasher/internal/ports"
)

// FirmwareName - файл прошивки в корне пакета
const FirmwareName = "firmware.elf"

// Extractor распаковывает пакет прошивки
type Extractor func(path string) (*archive.Extracted, error)

// Option настраивает Controller
type Option func(*Controller)

// WithConnectArgs задает параметры подключения
func WithConnectArgs(args ConnectArgs) Option {
	return func(c *Controller) { c.args = args }
}

// WithGeometry задает параметры flash
func WithGeometry(g image.Geometry) Option {
	return func(c *Controller) { c.geometry = g }
}

// WithObserver вызывается после каждого изменения состояния
func WithObserver(fn func(State)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithLogSink получает сообщения журнала прошивки
func WithLogSink(fn func(string)) Option {
	return func(c *Controller) { c.logSink = fn }
}

// WithExtractor заменяет распаковщик архива
func WithExtractor(fn Extractor) Option {
	return func(c *Controller) { c.extract = fn }
}

// WithLister заменяет источник списка портов
func WithLister(l ports.Lister) Option {
	return func(c *Controller) { c.lister = l }
}

// Controller владеет состоянием прошивальщика и выполняет конвейер
// Idle → Extracting → Connecting → Building → Transferring → Done/Failed.
type Controller struct {
	svc      DeviceService
	args     ConnectArgs
	geometry image.Geometry
	extract  Extractor
	lister   ports.Lister
	observer func(State)
	logSink  func(string)

	// notifyMu упорядочивает доставку снимков наблюдателю; берется до mu
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	busy     bool
}

// NewController создает контроллер в состоянии Idle
func NewController(svc DeviceService, opts ...Option) *Controller {
	c := &Controller{
		svc:      svc,
		args:     DefaultConnectArgs(),
		geometry: image.DefaultGeometry(),
		extract:  archive.Extract,
		lister:   ports.SerialLister,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State возвращает копию текущего состояния
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	s := c.state.clone()
	s.Busy = c.busy
	return s
}

// Busy сообщает, выполняется ли прошивка
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// SelectPackage выбирает zip пакет прошивки
func (c *Controller) SelectPackage(path string) {
	c.update(func(s *State) { s.PackagePath = path })
}

// SelectPort выбирает последовательный порт
func (c *Controller) SelectPort(name string) {
	c.update(func(s *State) { s.Port = name })
}

// SetPorts обновляет список известных портов
func (c *Controller) SetPorts(names []string) {
	c.update(func(s *State) { s.Ports = append([]string(nil), names...) })
}

// PortsFailed выводит ошибку опроса портов в строку статуса
func (c *Controller) PortsFailed(err error) {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	if busy {
		return
	}
	c.update(func(s *State) { s.Status = fmt.Sprintf("Error detecting ports: %v", err) })
}

// RefreshPorts выполняет опрос портов
func (c *Controller) RefreshPorts() []string {
	names, err := ports.Discover(c.lister)
	if err != nil {
		log.Warn().Err(err).Msg("port discovery failed")
		c.PortsFailed(err)
		return nil
	}
	c.SetPorts(names)
	return names
}

// Start запускает прошивку в отдельной горутине. Результат приходит в
// канал, который закрывается после отправки.
func (c *Controller) Start(ctx context.Context) (<-chan Outcome, error) {
	if !c.acquire() {
		return nil, ErrBusy
	}

	ch := make(chan Outcome, 1)
	go func() {
		out := c.run(ctx)
		c.release()
		ch <- out
		close(ch)
	}()
	return ch, nil
}

// Run выполняет прошивку синхронно
func (c *Controller) Run(ctx context.Context) Outcome {
	if !c.acquire() {
		return Outcome{Stage: StageIdle, Err: ErrBusy}
	}
	defer c.release()
	return c.run(ctx)
}

func (c *Controller) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *Controller) release() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.busy = false
	s := c.snapshot()
	c.mu.Unlock()
	c.notify(s)
}

func (c *Controller) run(ctx context.Context) Outcome {
	sel := c.State()
	if sel.PackagePath == "" || sel.Port == "" {
		c.update(func(s *State) {
			s.Stage = StageIdle
			s.Status = StatusSelectBoth
			s.Progress = 0
		})
		return Outcome{Stage: StageIdle}
	}

	out := Outcome{Attempt: uuid.NewString()}
	logger := log.With().Str("attempt", out.Attempt).Str("port", sel.Port).Logger()
	logger.Info().Str("package", sel.PackagePath).Msg("flash started")

	fail := func(stage Stage, kind Kind, err error) Outcome {
		fe := &Error{Kind: kind, Err: err}
		logger.Error().Err(err).Stringer("stage", stage).Stringer("kind", kind).Msg("flash failed")
		c.update(func(s *State) {
			s.Stage = StageFailed
			s.Status = fe.Status()
			s.Progress = 0
		})
		out.Stage, out.FailedAt, out.Err = StageFailed, stage, fe
		return out
	}

	// Extracting
	c.enter(StageExtracting, progressExtracting, StatusExtracting)
	if err := ctx.Err(); err != nil {
		return fail(StageExtracting, ArchiveError, err)
	}
	pkg, err := c.extract(sel.PackagePath)
	if err != nil {
		return fail(StageExtracting, ArchiveError, err)
	}
	c.emitLog(fmt.Sprintf("📦 Пакет распакован в %s (%d файлов)", pkg.Root, len(pkg.Files)))

	// Connecting
	c.enter(StageConnecting, progressConnecting, StatusFlashing)
	if err := ctx.Err(); err != nil {
		return fail(StageConnecting, ConnectionError, err)
	}
	sess, crystal, err := Establish(ctx, c.svc, sel.Port, c.args, c)
	if err != nil {
		return fail(StageConnecting, ConnectionError, err)
	}
	defer closeSession(sess, sel.Port)
	logger.Debug().Stringer("crystal", crystal).Msg("device ready")

	// Building
	c.enter(StageBuilding, progressBuilding, StatusFlashing)
	elf, fd, err := c.build(pkg, crystal)
	if err != nil {
		return fail(StageBuilding, ImageError, err)
	}
	c.emitLog(fmt.Sprintf("🧩 Образ собран: %s, %d байт", fd.Geometry(), len(fd.AppImage())))

	// Transferring
	c.enter(StageTransferring, progressTransfer, StatusFlashing)
	if err := c.svc.Write(ctx, sess, elf, fd, crystal); err != nil {
		return fail(StageTransferring, TransferError, err)
	}

	c.enter(StageDone, progressDone, StatusSuccess)
	logger.Info().Msg("flash finished")
	out.Stage = StageDone
	return out
}

// build читает firmware.elf и собирает FlashData для текущей сессии
func (c *Controller) build(pkg *archive.Extracted, crystal image.Crystal) ([]byte, *image.FlashData, error) {
	if !pkg.Has(FirmwareName) {
		return nil, nil, fmt.Errorf("%w: %s", ErrFirmwareMissing, pkg.Root)
	}
	elf, err := os.ReadFile(pkg.Path(FirmwareName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", FirmwareName, err)
	}

	fw, err := image.Parse(elf)
	if err != nil {
		return nil, nil, err
	}
	fd, err := image.Build(fw, c.geometry, nil, nil, crystal)
	if err != nil {
		return nil, nil, err
	}
	return elf, fd, nil
}

func (c *Controller) enter(stage Stage, progress float64, status string) {
	c.update(func(s *State) {
		s.Stage = stage
		s.Progress = progress
		s.Status = status
	})
}

// update меняет состояние и передает снимок наблюдателю. Снимки приходят
// в том же порядке, в котором менялось состояние.
func (c *Controller) update(fn func(*State)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	fn(&c.state)
	s := c.snapshot()
	c.mu.Unlock()
	c.notify(s)
}

func (c *Controller) notify(s State) {
	if c.observer != nil {
		c.observer(s)
	}
}

// EmitProgress отображает прогресс записи на участок шкалы перед завершением
func (c *Controller) EmitProgress(fraction float64, message string) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	c.update(func(s *State) {
		if s.Stage == StageTransferring {
			s.Progress = progressTransfer + (progressWritten-progressTransfer)*fraction
		}
	})
	log.Trace().Float64("fraction", fraction).Msg(message)
}

// EmitLog передает сообщение устройства в журнал интерфейса
func (c *Controller) EmitLog(message string) {
	c.emitLog(message)
}

func (c *Controller) emitLog(message string) {
	if c.logSink != nil {
		c.logSink(message)
	}
}
