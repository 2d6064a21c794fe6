// Package archive распаковывает zip пакеты прошивки.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// DirName - имя каталога распаковки рядом с архивом
const DirName = "extracted"

// ErrUnsafePath - имя записи указывает за пределы каталога распаковки
var ErrUnsafePath = errors.New("unsafe path in archive")

// Extracted описывает распакованный пакет
type Extracted struct {
	// Root - <каталог архива>/extracted
	Root string
	// Files - относительные пути (через /) всех записанных файлов
	Files []string
}

// Path возвращает абсолютный путь к файлу пакета
func (e *Extracted) Path(name string) string {
	return filepath.Join(e.Root, filepath.FromSlash(name))
}

// Has проверяет, что файл был распакован
func (e *Extracted) Has(name string) bool {
	for _, f := range e.Files {
		if f == name {
			return true
		}
	}
	return false
}

// Root возвращает каталог распаковки для архива
func Root(archivePath string) string {
	return filepath.Join(filepath.Dir(archivePath), DirName)
}

// Extract распаковывает архив в Root(archivePath). Существующие файлы
// перезаписываются, при ошибке уже записанные файлы остаются на диске.
func Extract(archivePath string) (*Extracted, error) {
	r, err := zip.OpenReader(archivePath)
	// небезопасные имена проверяются ниже по каждой записи
	if err != nil && !(errors.Is(err, zip.ErrInsecurePath) && r != nil) {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	root := Root(archivePath)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", root, err)
	}

	out := &Extracted{Root: root}
	for _, f := range r.File {
		name, err := cleanName(f.Name)
		if err != nil {
			return out, err
		}
		if name == "" {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(name))
		if isDir(f) {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, fmt.Errorf("failed to create directory %s: %w", name, err)
			}
			log.Debug().Str("entry", name).Msg("directory created")
			continue
		}

		n, err := extractFile(f, target)
		if err != nil {
			return out, fmt.Errorf("failed to extract %s: %w", name, err)
		}
		out.Files = append(out.Files, name)
		log.Debug().Str("entry", name).Int64("bytes", n).Msg("file extracted")
	}

	log.Info().Str("archive", archivePath).Str("root", root).Int("files", len(out.Files)).Msg("archive extracted")
	return out, nil
}

// cleanName нормализует имя записи и отклоняет абсолютные пути и выход через ../
func cleanName(name string) (string, error) {
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.VolumeName(slashed) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	clean := path.Clean(slashed)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}

// isDir считает каталогом запись, имя которой оканчивается на / или \
func isDir(f *zip.File) bool {
	return f.FileInfo().IsDir() || strings.HasSuffix(strings.ReplaceAll(f.Name, `\`, "/"), "/")
}

func extractFile(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	src, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}
