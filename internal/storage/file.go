package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
)

const (
	stateFileName = "storage.json"
	lockFileName  = "storage.json.lock"
)

// FileBackend хранит все ключи в одном JSON файле.
// Файл перечитывается на каждой операции, чтобы видеть записи других процессов;
// чтение-изменение-запись выполняется под межпроцессной блокировкой lock файла.
type FileBackend struct {
	mu   sync.Mutex
	dir  string
	path string
	lock *flock.Flock
}

// NewFileBackend создает файловое хранилище в директории dir
func NewFileBackend(dir string) (*FileBackend, error) {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	return &FileBackend{
		dir:  dir,
		path: filepath.Join(dir, stateFileName),
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// withLock держит мьютекс процесса и flock файла на время fn
func (f *FileBackend) withLock(exclusive bool, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock := f.lock.RLock
	if exclusive {
		lock = f.lock.Lock
	}
	if err := lock(); err != nil {
		return fmt.Errorf("lock %s: %w", f.lock.Path(), err)
	}
	defer f.lock.Unlock()
	return fn()
}

// update загружает состояние, применяет mutate и сохраняет под одной блокировкой
func (f *FileBackend) update(mutate func(values map[string]string)) error {
	return f.withLock(true, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		mutate(values)
		return f.save(values)
	})
}

func (f *FileBackend) Get(key string) (value string, ok bool, err error) {
	err = f.withLock(false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		value, ok = values[key]
		return nil
	})
	return value, ok, err
}

func (f *FileBackend) SetMany(updates map[string]string) error {
	return f.update(func(values map[string]string) {
		for k, v := range updates {
			values[k] = v
		}
	})
}

func (f *FileBackend) Remove(keys ...string) error {
	return f.update(func(values map[string]string) {
		for _, k := range keys {
			delete(values, k)
		}
	})
}

func (f *FileBackend) Keys() ([]string, error) {
	var keys []string
	err := f.withLock(false, func() error {
		values, err := f.load()
		if err != nil {
			return err
		}
		keys = make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}

	values := map[string]string{}
	if len(data) == 0 {
		return values, nil
	}
	err = json.Unmarshal(data, &values)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return values, nil
}

// save пишет во временный файл и переименовывает, частичной записи не бывает
func (f *FileBackend) save(values map[string]string) error {
	jsonData, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".storage-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = tmp.Write(jsonData)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	err = os.Chmod(tmpName, 0600)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	err = os.Rename(tmpName, f.path)
	if err != nil {
		return fmt.Errorf("replace %s: %w", f.path, err)
	}
	return nil
}
