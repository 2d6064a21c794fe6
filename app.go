package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"espzipflasher/internal/config"
	"espzipflasher/internal/flasher"
	"espzipflasher/internal/monitor"
	"espzipflasher/internal/ports"
)

// flashStopTimeout - сколько shutdown ждет завершения прошивки после отмены
const flashStopTimeout = 5 * time.Second

// App struct
type App struct {
	ctx        context.Context
	cfg        *config.Config
	controller *flasher.Controller
	watcher    *ports.Watcher
	monitor    *monitor.Monitor
	emit       func(event string, data ...interface{})

	mu        sync.Mutex
	cancel    context.CancelFunc
	flashDone chan struct{}
}

// NewApp creates a new App application struct
func NewApp(cfg *config.Config, svc flasher.DeviceService) (*App, error) {
	args, err := flasher.NewConnectArgs(cfg.Connection)
	if err != nil {
		return nil, err
	}
	geometry, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}
	interval, err := cfg.Discovery.Every()
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, monitor: monitor.New(nil)}
	a.emit = func(event string, data ...interface{}) {
		runtime.EventsEmit(a.ctx, event, data...)
	}
	a.controller = flasher.NewController(svc,
		flasher.WithConnectArgs(args),
		flasher.WithGeometry(geometry),
		flasher.WithObserver(a.emitState),
		flasher.WithLogSink(a.emitLog),
	)
	a.watcher = ports.NewWatcher(ports.SerialLister, a.controller, interval)
	return a, nil
}

// startup is called when the app starts. The context is saved
// so we can call the runtime methods
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.watcher.Start()
}

// shutdown останавливает опрос портов, прошивку и мониторинг
func (a *App) shutdown(ctx context.Context) {
	a.watcher.Stop()
	a.CancelFlash()
	if !a.waitFlash(flashStopTimeout) {
		log.Warn().Dur("timeout", flashStopTimeout).Msg("flash did not stop before shutdown")
	}
	a.monitor.Stop()
}

// State возвращает текущее состояние прошивальщика
func (a *App) State() flasher.State {
	return a.controller.State()
}

// Settings возвращает краткое описание настроек
func (a *App) Settings() string {
	return a.cfg.String()
}

// ListPorts возвращает список COM-портов
func (a *App) ListPorts() []string {
	return a.controller.RefreshPorts()
}

// ChooseFile открывает диалог выбора пакета прошивки
func (a *App) ChooseFile() (string, error) {
	filePath, err := runtime.OpenFileDialog(a.ctx, runtime.OpenDialogOptions{
		Title: "Выберите пакет прошивки",
		Filters: []runtime.FileFilter{
			{
				DisplayName: "Firmware Package (*.zip)",
				Pattern:     "*.zip",
			},
		},
	})
	if err != nil {
		return "", err
	}
	if filePath != "" {
		a.controller.SelectPackage(filePath)
	}
	return filePath, nil
}

// SelectPackage выбирает пакет по пути (например, перетащенный файл)
func (a *App) SelectPackage(path string) {
	a.controller.SelectPackage(path)
}

// SelectPort выбирает порт для прошивки
func (a *App) SelectPort(name string) {
	a.controller.SelectPort(name)
}

// Flash запускает прошивку выбранного пакета в фоне. Результат приходит
// событием flash-done.
func (a *App) Flash() error {
	if a.monitor.Running() {
		a.monitor.Stop()
		a.emitLog("⏹️ Мониторинг остановлен перед прошивкой")
	}

	ctx, cancel := context.WithCancel(a.ctx)
	done, err := a.controller.Start(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, flasher.ErrBusy) {
			return errors.New("прошивка уже выполняется")
		}
		return err
	}

	finished := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.flashDone = finished
	a.mu.Unlock()

	go func() {
		defer close(finished)
		out := <-done
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()

		result := map[string]interface{}{
			"attempt": out.Attempt,
			"stage":   out.Stage.String(),
			"status":  a.controller.State().Status,
		}
		if out.Err != nil {
			result["error"] = out.Err.Error()
			a.emitLog("❌ " + a.controller.State().Status)
		} else if out.Stage == flasher.StageDone {
			a.emitLog("✅ Прошивка успешно завершена!")
		}
		a.emit("flash-done", result)
	}()
	return nil
}

// CancelFlash прерывает текущую прошивку
func (a *App) CancelFlash() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		log.Info().Msg("flash cancelled by user")
		cancel()
	}
}

// waitFlash ждет завершения горутины прошивки не дольше timeout
func (a *App) waitFlash(timeout time.Duration) bool {
	a.mu.Lock()
	done := a.flashDone
	a.mu.Unlock()
	if done == nil {
		return true
	}

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// emitState отправляет состояние и прогресс в frontend
func (a *App) emitState(s flasher.State) {
	if a.ctx == nil {
		return
	}
	a.emit("flash-state", s)
	a.emit("flash-progress", map[string]interface{}{
		"progress": int(s.Progress * 100),
		"message":  s.Status,
	})
}

// emitLog отправляет лог сообщение в frontend
func (a *App) emitLog(message string) {
	if a.ctx == nil {
		return
	}
	a.emit("flash-log", message)
}

// MonitorPort начинает мониторинг порта; строки приходят событием monitor-data
func (a *App) MonitorPort(portName string, baudRate int) error {
	if a.controller.Busy() {
		return errors.New("нельзя открыть монитор во время прошивки")
	}
	if baudRate <= 0 {
		baudRate = 115200
	}
	if err := a.monitor.Start(portName, baudRate, monitorEvents{a.emit}); err != nil {
		return err
	}

	a.emitLog(fmt.Sprintf("🔍 Начинаем мониторинг порта %s (%d baud)", portName, baudRate))
	a.emitLog("💡 Для остановки мониторинга нажмите 'Стоп'")
	return nil
}

// StopMonitor останавливает мониторинг порта
func (a *App) StopMonitor() {
	if !a.monitor.Stop() {
		return
	}
	a.emit("monitor-stop", "")
	a.emitLog("⏹️ Мониторинг порта остановлен")
}

// monitorEvents пересылает вывод монитора в frontend
type monitorEvents struct {
	emit func(event string, data ...interface{})
}

func (m monitorEvents) Line(line string) {
	m.emit("monitor-data", line)
}

func (m monitorEvents) Failed(err error) {
	log.Warn().Err(err).Msg("monitor read failed")
	m.emit("monitor-error", err.Error())
}
