package transfer

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// MaxCopies bounds the number of names UniqueName tries.
const MaxCopies = 100

// MaxNameLen is the longest filename accepted on the data plane.
const MaxNameLen = 255

// FileInfo describes one file in the storage directory.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Storage is the directory files are served from and uploaded into.
type Storage struct {
	dir string
}

// NewStorage creates dir if needed.
func NewStorage(dir string) (*Storage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	slog.Debug("file storage initialized", "dir", dir)
	return &Storage{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *Storage) Dir() string { return s.dir }

// Open opens a stored file for reading. Only plain base names resolve;
// anything that would leave the directory is ErrFileNotFound.
func (s *Storage) Open(name string) (*os.File, fs.FileInfo, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, nil, ErrFileNotFound
	}
	path := filepath.Join(s.dir, clean)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrFileNotFound
		}
		return nil, nil, fmt.Errorf("open %s: %w", clean, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, ErrFileNotFound
	}
	return f, info, nil
}

// Exists reports whether name resolves to a regular stored file.
func (s *Storage) Exists(name string) bool {
	f, _, err := s.Open(name)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Create opens a new file for writing under a collision-free variant of
// name. It returns the name actually used.
func (s *Storage) Create(name string) (string, *os.File, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", nil, err
	}
	for range 3 {
		unique, err := UniqueName(s.dir, clean)
		if err != nil {
			return "", nil, err
		}
		f, err := os.OpenFile(filepath.Join(s.dir, unique), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("create %s: %w", unique, err)
		}
		if unique != clean {
			slog.Info("upload renamed", "requested", clean, "stored_as", unique)
		}
		return unique, f, nil
	}
	return "", nil, ErrTooManyCopies
}

// Files lists regular files in the storage directory sorted by name.
func (s *Storage) Files() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime().UTC()})
	}
	slices.SortFunc(out, func(a, b FileInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// CleanName reduces a peer-supplied filename to a safe base name.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	switch {
	case name == "", base == ".", base == "..", base == "/":
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	case len(base) > MaxNameLen:
		return "", fmt.Errorf("%w: longer than %d bytes", ErrBadName, MaxNameLen)
	case strings.ContainsRune(base, 0):
		return "", fmt.Errorf("%w: contains NUL", ErrBadName)
	case strings.ContainsAny(base, " \t\r\n"):
		// @file_ready carries the name as one space-separated token.
		return "", fmt.Errorf("%w: contains whitespace", ErrBadName)
	}
	return base, nil
}

// UniqueName returns name if it is unused in dir, else the first unused of
// <base>_copy<ext>, <base>_copy2<ext>, <base>_copy3<ext> and so on. It gives
// up with ErrTooManyCopies after MaxCopies attempts.
func UniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}

	for i := range MaxCopies {
		candidate := name
		switch {
		case i == 1:
			candidate = base + "_copy" + ext
		case i > 1:
			candidate = fmt.Sprintf("%s_copy%d%s", base, i, ext)
		}
		_, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check %s: %w", candidate, err)
		}
	}
	return "", ErrTooManyCopies
}
