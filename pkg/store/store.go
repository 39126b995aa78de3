// Package store implements the disk-backed key/value store behind the log
// cache.
//
// Every entry is a payload file plus a small metadata sidecar, written with
// temp-file + rename so no reader ever sees a half-written entry. A JSON-lines
// index mirrors the metadata of all entries so eviction never has to touch
// payloads; Open reconciles the index with what is actually on disk.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gofrs/flock"

	"github.com/richardartoul/openqa-logcache/pkg/eviction"
)

// Entry is a cached payload together with its bookkeeping.
type Entry struct {
	Key      string
	Payload  []byte
	StoredAt time.Time
	Size     int64
}

// Stats summarizes the store contents.
type Stats struct {
	Entries   int
	TotalSize int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for self-healing and reconciliation events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source used to stamp entries and evaluate TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPolicy makes every Write run the given eviction policy before returning.
func WithPolicy(policy eviction.Policy) Option {
	return func(s *Store) { s.policy = &policy }
}

// WithEvictionHook registers a callback invoked for every evicted entry.
func WithEvictionHook(fn func(eviction.Decision)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// Store is a key-addressed persistence layer rooted at a directory.
// It is safe for concurrent use; index mutations are additionally guarded by
// an advisory file lock so separate processes sharing the directory do not
// interleave index rewrites.
type Store struct {
	root    string // Absolute path to cache directory
	logger  *slog.Logger
	now     func() time.Time
	policy  *eviction.Policy
	onEvict func(eviction.Decision)

	mu       sync.Mutex
	fileLock *flock.Flock
	entries  map[string]*IndexEntry
	total    int64
}

// Open creates the directory if needed, reconciles the index with the files
// on disk and returns a ready Store.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := precreateShards(absDir); err != nil {
		return nil, err
	}

	s := &Store{
		root:     absDir,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		fileLock: flock.New(filepath.Join(absDir, ".lock")),
		entries:  make(map[string]*IndexEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	report, err := s.Reconcile()
	if err != nil {
		return nil, err
	}
	if report.Changed() {
		s.logger.Info("reconciled cache index",
			"dir", s.root,
			"dropped", report.DroppedRows,
			"adopted", report.Adopted,
			"removed", report.RemovedFiles)
	}
	return s, nil
}

// Dir returns the absolute store root.
func (s *Store) Dir() string {
	return s.root
}

// Read returns the entry for key, or nil if it is not cached.
//
// If the entry exists but its payload is missing, truncated or fails the
// checksum, the entry is removed and a *StorageError is returned.
func (s *Store) Read(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel := relPath(key)
	fullPath := filepath.Join(s.root, rel)

	ie, indexed := s.entries[key]
	if !indexed {
		// Another process may have written the entry after our index was
		// loaded. Its sidecar is enough to find out.
		meta, err := readMetadata(fullPath + metaSuffix)
		if err != nil {
			return nil, nil
		}
		if meta.Key != key {
			return nil, s.healLocked("read", key, fmt.Errorf("sidecar names key %q", meta.Key))
		}
		ie = meta
	}

	payload, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if !indexed {
				// Orphaned sidecar, nothing was ever servable.
				removeEntryFiles(fullPath)
				return nil, nil
			}
			if _, statErr := os.Stat(fullPath + metaSuffix); errors.Is(statErr, os.ErrNotExist) {
				// Payload and sidecar are both gone: another process evicted
				// or deleted the entry after our index was loaded.
				s.logger.Debug("dropping index row of entry removed elsewhere", "key", key)
				if err := s.mutateLocked(func() error {
					return s.dropLocked(key)
				}); err != nil {
					s.logger.Warn("failed to drop index row", "key", key, "error", err)
				}
				return nil, nil
			}
		}
		return nil, s.healLocked("read", key, fmt.Errorf("failed to read payload: %w", err))
	}

	if !matches(ie, payload) {
		// The payload may have been replaced by another process; trust the
		// sidecar if it describes what we just read.
		meta, metaErr := readMetadata(fullPath + metaSuffix)
		if metaErr != nil || meta.Key != key || !matches(meta, payload) {
			return nil, s.healLocked("read", key,
				fmt.Errorf("payload does not match index (size %d, want %d)", len(payload), ie.Size))
		}
		ie = meta
		indexed = false
	}

	if !indexed {
		adopted := *ie
		if err := s.mutateLocked(func() error {
			s.putLocked(&adopted)
			return nil
		}); err != nil {
			s.logger.Warn("failed to adopt cache entry into index", "key", key, "error", err)
		}
	}

	return &Entry{
		Key:      key,
		Payload:  payload,
		StoredAt: ie.StoredAt,
		Size:     ie.Size,
	}, nil
}

// Write stores payload under key, replacing any previous entry, and then runs
// the eviction policy. The returned entry is stamped with the store clock.
func (s *Store) Write(key string, payload []byte) (*Entry, error) {
	rel := relPath(key)
	fullPath := filepath.Join(s.root, rel)

	// The payload goes to a private temp file first; only the rename and the
	// index update need to be serialized.
	tmpPath, err := writeTemp(fullPath, payload)
	if err != nil {
		return nil, newStorageError("write", key, err)
	}
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	s.mu.Lock()
	defer s.mu.Unlock()

	ie := &IndexEntry{
		Key:      key,
		File:     rel,
		Size:     int64(len(payload)),
		StoredAt: s.now().Round(0),
		Checksum: xxhash.Sum64(payload),
	}

	err = s.mutateLocked(func() error {
		if err := os.Rename(tmpPath, fullPath); err != nil {
			return fmt.Errorf("failed to rename cache file: %w", err)
		}
		s.putLocked(ie)

		if err := writeMetadata(fullPath+metaSuffix, *ie); err != nil {
			// Continue - the index row is authoritative, the sidecar only
			// helps reconciliation.
			s.logger.Warn("failed to write cache metadata", "key", key, "error", err)
		}

		s.evictLocked(key)
		return nil
	})
	if err != nil {
		return nil, newStorageError("write", key, err)
	}

	return &Entry{
		Key:      key,
		Payload:  payload,
		StoredAt: ie.StoredAt,
		Size:     ie.Size,
	}, nil
}

// Delete removes key from the store. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutateLocked(func() error {
		return s.dropLocked(key)
	})
	if err != nil {
		return newStorageError("delete", key, err)
	}
	return nil
}

// ListIndex returns a snapshot of the index ordered oldest first, ties broken
// by key.
func (s *Store) ListIndex() []IndexEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.itemsLocked()
	out := make([]IndexEntry, 0, len(items))
	for _, it := range items {
		out = append(out, *s.entries[it.Key])
	}
	return out
}

// TotalSize returns the sum of all indexed payload sizes.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Stats returns the number of entries and their total size.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Entries: len(s.entries), TotalSize: s.total}
}

// Clear removes every entry from the store.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutateLocked(func() error {
		var firstErr error
		for key := range s.entries {
			if err := s.dropLocked(key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

// Close releases the index file lock handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileLock.Close()
}

// mutateLocked runs fn with the cross-process index lock held, on top of a
// freshly reloaded index, and persists the result. s.mu must be held.
func (s *Store) mutateLocked(fn func() error) error {
	if err := s.fileLock.Lock(); err != nil {
		return fmt.Errorf("failed to lock cache index: %w", err)
	}
	defer s.fileLock.Unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}

	fnErr := fn()
	// Persist even if fn failed halfway; whatever it already changed on disk
	// has to be reflected in the index.
	if err := persistIndex(s.indexPath(), s.entries); err != nil {
		return errors.Join(fnErr, err)
	}
	return fnErr
}

func (s *Store) reloadLocked() error {
	entries, skipped, err := loadIndex(s.indexPath())
	if err != nil {
		return err
	}
	if skipped > 0 {
		s.logger.Warn("skipped corrupt cache index rows", "count", skipped)
	}
	s.entries = entries
	s.total = 0
	for _, ie := range entries {
		s.total += ie.Size
	}
	return nil
}

func (s *Store) putLocked(ie *IndexEntry) {
	if prev, ok := s.entries[ie.Key]; ok {
		s.total -= prev.Size
	}
	s.entries[ie.Key] = ie
	s.total += ie.Size
}

func (s *Store) dropLocked(key string) error {
	if prev, ok := s.entries[key]; ok {
		s.total -= prev.Size
		delete(s.entries, key)
	}
	return removeEntryFiles(filepath.Join(s.root, relPath(key)))
}

// healLocked removes a broken entry and returns the StorageError describing
// why. s.mu must be held.
func (s *Store) healLocked(op, key string, cause error) error {
	s.logger.Warn("removing corrupt cache entry", "key", key, "error", cause)

	if err := s.mutateLocked(func() error {
		return s.dropLocked(key)
	}); err != nil {
		cause = errors.Join(cause, fmt.Errorf("failed to remove corrupt entry: %w", err))
	}
	return newStorageError(op, key, cause)
}

// evictLocked applies the eviction policy, protecting the key just written.
// Must run inside mutateLocked.
func (s *Store) evictLocked(protect string) {
	if s.policy == nil {
		return
	}
	for _, d := range s.policy.Plan(s.itemsLocked(), s.now(), protect) {
		if err := s.dropLocked(d.Key); err != nil {
			s.logger.Warn("failed to evict cache entry", "key", d.Key, "reason", d.Reason, "error", err)
			continue
		}
		s.logger.Debug("evicted cache entry", "key", d.Key, "reason", d.Reason)
		if s.onEvict != nil {
			s.onEvict(d)
		}
	}
}

func (s *Store) itemsLocked() []eviction.Item {
	items := make([]eviction.Item, 0, len(s.entries))
	for _, ie := range s.entries {
		items = append(items, ie.item())
	}
	eviction.SortOldestFirst(items)
	return items
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, indexFileName)
}

func matches(ie *IndexEntry, payload []byte) bool {
	return int64(len(payload)) == ie.Size && xxhash.Sum64(payload) == ie.Checksum
}
