package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// staleTempAge is how old a temp file must be before reconciliation treats it
// as debris from a crashed writer rather than a write in progress.
const staleTempAge = time.Minute

// ReconcileReport describes what a reconciliation pass changed.
type ReconcileReport struct {
	DroppedRows  int // index rows whose payload was missing or the wrong size
	Adopted      int // payloads recovered into the index from their sidecar
	RemovedFiles int // orphaned payloads, sidecars and temp files deleted
}

// Changed reports whether the pass modified anything.
func (r ReconcileReport) Changed() bool {
	return r.DroppedRows+r.Adopted+r.RemovedFiles > 0
}

// Reconcile brings the index and the files on disk back in sync, so that the
// indexed total equals the bytes actually stored. It runs on Open and is safe
// to call at any time.
func (s *Store) Reconcile() (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ReconcileReport
	err := s.mutateLocked(func() error {
		s.reconcileRowsLocked(&report)
		return s.reconcileFilesLocked(&report)
	})
	if err != nil {
		return report, fmt.Errorf("failed to reconcile cache index: %w", err)
	}
	return report, nil
}

// reconcileRowsLocked drops index rows that no longer describe a payload.
func (s *Store) reconcileRowsLocked(report *ReconcileReport) {
	for key, ie := range s.entries {
		want := relPath(key)
		info, err := os.Stat(filepath.Join(s.root, want))
		if ie.File == want && err == nil && info.Size() == ie.Size {
			continue
		}
		s.logger.Debug("dropping stale cache index row", "key", key, "file", ie.File)
		s.total -= ie.Size
		delete(s.entries, key)
		report.DroppedRows++
	}
}

// reconcileFilesLocked walks the shard directories, adopting orphaned
// payloads that carry a valid sidecar and deleting everything else that the
// index does not reference.
func (s *Store) reconcileFilesLocked(report *ReconcileReport) error {
	referenced := make(map[string]bool, len(s.entries))
	for _, ie := range s.entries {
		referenced[ie.File] = true
	}

	shards, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}

	now := time.Now()
	for _, shard := range shards {
		if !shard.IsDir() {
			// Leftover index temp files live in the root.
			if info, err := shard.Info(); err == nil && strings.Contains(shard.Name(), tmpMarker) &&
				now.Sub(info.ModTime()) >= staleTempAge {
				s.removeOrphan(filepath.Join(s.root, shard.Name()), report)
			}
			continue
		}
		if len(shard.Name()) != 2 {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return fmt.Errorf("failed to list shard %s: %w", shard.Name(), err)
		}

		for _, f := range files {
			name := f.Name()
			rel := filepath.Join(shard.Name(), name)
			fullPath := filepath.Join(s.root, rel)

			switch {
			case strings.Contains(name, tmpMarker):
				info, err := f.Info()
				if err != nil || now.Sub(info.ModTime()) < staleTempAge {
					continue
				}
				s.removeOrphan(fullPath, report)

			case strings.HasSuffix(name, metaSuffix):
				if _, err := os.Stat(strings.TrimSuffix(fullPath, metaSuffix)); os.IsNotExist(err) {
					s.removeOrphan(fullPath, report)
				}

			case referenced[rel]:
				continue

			default:
				if s.adoptLocked(rel, fullPath) {
					referenced[rel] = true
					report.Adopted++
					continue
				}
				s.removeOrphan(fullPath, report)
				s.removeOrphan(fullPath+metaSuffix, report)
			}
		}
	}
	return nil
}

// adoptLocked re-indexes an orphaned payload from its sidecar if the sidecar
// is intact and agrees with the file on disk.
func (s *Store) adoptLocked(rel, fullPath string) bool {
	meta, err := readMetadata(fullPath + metaSuffix)
	if err != nil || meta.File != rel {
		return false
	}
	info, err := os.Stat(fullPath)
	if err != nil || info.Size() != meta.Size {
		return false
	}
	s.putLocked(meta)
	return true
}

func (s *Store) removeOrphan(path string, report *ReconcileReport) {
	err := os.Remove(path)
	switch {
	case err == nil:
		report.RemovedFiles++
	case !os.IsNotExist(err):
		s.logger.Warn("failed to remove orphaned cache file", "path", path, "error", err)
	}
}
