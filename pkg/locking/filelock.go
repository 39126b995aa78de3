package locking

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation that extends MemLock with advisory file
// locks, so separate processes sharing a cache directory also take turns on a
// key. Keys are striped over at most 256 lock files in dir, picked by the first
// byte of a hash of the key, so the directory does not grow with the key space.
type FileLock struct {
	mem *MemLock
	dir string
}

// NewFileLock creates a FileLock keeping its lock files in dir.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		mem: NewMemLock(),
		dir: dir,
	}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() (interface{}, error)) (v interface{}, err error) {
	// flock handles are not reentrant between goroutines of one process, so
	// serialize in memory first and only then contend with other processes.
	return f.mem.DoWithLock(key, func() (interface{}, error) {
		lock := flock.New(f.lockPath(key))
		if err := lock.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock for %s: %w", key, err)
		}
		defer lock.Close()
		return fn()
	})
}

func (f *FileLock) lockPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, fmt.Sprintf("%02x.lock", sum[0]))
}
