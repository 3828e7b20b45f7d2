package relayboard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// StateBackend stores the persisted board document. Load returns nil data
// when nothing was saved yet.
type StateBackend interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

type stateBackendCloser interface {
	Close() error
}

// CloseStateBackend closes backends that hold resources.
func CloseStateBackend(backend StateBackend) error {
	if closer, ok := backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

type InMemoryStateBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *InMemoryStateBackend) Save(data []byte) error {
	if b == nil || data == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	return nil
}

// FileStateBackend keeps the document in a YAML file. The first access
// takes an exclusive lock on a sibling .lock file, held until Close, so
// two processes never drive the same board.
type FileStateBackend struct {
	Path string

	lockOnce sync.Once
	lockErr  error
	lock     *os.File
}

func NewFileStateBackend(path string) *FileStateBackend {
	return &FileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *FileStateBackend) Load() ([]byte, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	if err := b.acquire(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileStateBackend) Save(data []byte) error {
	if b == nil || b.Path == "" || data == nil {
		return nil
	}
	if err := b.acquire(); err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *FileStateBackend) Close() error {
	if b == nil || b.lock == nil {
		return nil
	}
	unlockFile(b.lock)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func (b *FileStateBackend) acquire() error {
	b.lockOnce.Do(func() {
		dir := filepath.Dir(b.Path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.lockErr = err
				return
			}
		}
		f, err := os.OpenFile(b.Path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			b.lockErr = err
			return
		}
		if err := lockFile(f); err != nil {
			_ = f.Close()
			b.lockErr = fmt.Errorf("state file %s is in use by another process: %w", b.Path, err)
			return
		}
		b.lock = f
	})
	return b.lockErr
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && parsed.Host != "localhost" {
		// sqlite://data/board.db names a relative path
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
