package flasher

// Stage - этап конвейера прошивки
type Stage int

const (
	StageIdle Stage = iota
	StageExtracting
	StageConnecting
	StageBuilding
	StageTransferring
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageExtracting:
		return "extracting"
	case StageConnecting:
		return "connecting"
	case StageBuilding:
		return "building"
	case StageTransferring:
		return "transferring"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Сообщения строки статуса
const (
	StatusSelectBoth = "Please select both ZIP file and port."
	StatusExtracting = "Extracting ZIP file..."
	StatusFlashing   = "Flashing firmware..."
	StatusSuccess    = "Firmware flashed successfully!"
)

// Вехи прогресса; прогресс записи отображается в [progressTransfer, progressWritten]
const (
	progressExtracting = 0.1
	progressConnecting = 0.3
	progressBuilding   = 0.5
	progressTransfer   = 0.6
	progressWritten    = 0.95
	progressDone       = 1.0
)

// State - состояние для интерфейса пользователя
type State struct {
	PackagePath string   `json:"packagePath"`
	Port        string   `json:"port"`
	Status      string   `json:"status"`
	Progress    float64  `json:"progress"`
	Ports       []string `json:"ports"`
	Stage       Stage    `json:"stage"`
	StageName   string   `json:"stageName"`
	Busy        bool     `json:"busy"`
}

func (s State) clone() State {
	s.Ports = append([]string(nil), s.Ports...)
	s.StageName = s.Stage.String()
	return s
}

// Outcome - результат одной попытки прошивки
type Outcome struct {
	Attempt string
	// Stage - StageIdle, StageDone или StageFailed
	Stage Stage
	// FailedAt - этап, на котором произошла ошибка
	FailedAt Stage
	Err      error
}
