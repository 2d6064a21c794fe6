package flasher

import (
	"errors"
	"fmt"
)

var (
	// ErrFirmwareMissing - в пакете нет firmware.elf
	ErrFirmwareMissing = errors.New("firmware.elf not found in package")
	// ErrBusy - прошивка уже выполняется
	ErrBusy = errors.New("flashing already in progress")
)

// Kind - класс ошибки прошивки
type Kind int

const (
	ArchiveError Kind = iota + 1
	ConnectionError
	ImageError
	TransferError
)

func (k Kind) String() string {
	switch k {
	case ArchiveError:
		return "archive"
	case ConnectionError:
		return "connection"
	case ImageError:
		return "image"
	case TransferError:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error - ошибка этапа прошивки
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status возвращает сообщение для строки статуса
func (e *Error) Status() string {
	if e.Kind == ArchiveError {
		return fmt.Sprintf("Error extracting ZIP: %v", e.Err)
	}
	return fmt.Sprintf("Error flashing firmware: %v", e.Err)
}

// KindOf возвращает класс ошибки или 0, если err не *Error
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
