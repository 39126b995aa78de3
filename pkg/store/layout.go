package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// fileFormatVersion prefixes every payload file name. Bumping it makes
// reconciliation discard everything written in an older layout.
const fileFormatVersion = "v1-"

const (
	metaSuffix = ".meta"
	tmpMarker  = ".tmp-"
)

// relPath converts a cache key to a payload path relative to the store root.
// Files are organized into 256 subdirectories (00-ff) based on the first byte
// of the key hash, similar to Go's build cache structure.
func relPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexKey := hex.EncodeToString(sum[:])
	return filepath.Join(hexKey[:2], fileFormatVersion+hexKey)
}

// precreateShards creates all 256 subdirectories (00-ff) to avoid syscalls
// during writes.
func precreateShards(root string) error {
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(root, subdir), 0o755); err != nil {
			return fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}
	return nil
}

// writeFileAtomically writes data to a uniquely named temp file next to path
// and renames it into place. Readers observe either the old or the new file,
// never a partial one.
func writeFileAtomically(path string, data []byte) error {
	tmpPath, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeTemp writes data to a new temp file in the directory of path and
// returns its name. The caller renames or removes it.
func writeTemp(path string, data []byte) (string, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tmpMarker+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, err = tmpFile.Write(data)
	if err == nil {
		err = tmpFile.Sync()
	}
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	return tmpPath, nil
}

// writeMetadata writes the sidecar describing a payload file. The sidecar
// lets reconciliation adopt payloads whose index row was lost.
func writeMetadata(metaPath string, ie IndexEntry) error {
	// Format: key:"quoted"\nsize:num\ntime:unixnano\nchecksum:hex\n
	content := fmt.Sprintf("key:%s\nsize:%d\ntime:%d\nchecksum:%016x\n",
		strconv.Quote(ie.Key),
		ie.Size,
		ie.StoredAt.UnixNano(),
		ie.Checksum)

	if err := writeFileAtomically(metaPath, []byte(content)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// readMetadata reads a sidecar written by writeMetadata.
// Returns an error if metadata doesn't exist or is corrupted.
func readMetadata(metaPath string) (*IndexEntry, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var (
		ie                     IndexEntry
		haveKey, haveSize      bool
		haveTime, haveChecksum bool
	)
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch name {
		case "key":
			ie.Key, err = strconv.Unquote(value)
			haveKey = err == nil
		case "size":
			ie.Size, err = strconv.ParseInt(value, 10, 64)
			haveSize = err == nil && ie.Size >= 0
		case "time":
			var nanos int64
			nanos, err = strconv.ParseInt(value, 10, 64)
			ie.StoredAt = time.Unix(0, nanos)
			haveTime = err == nil
		case "checksum":
			ie.Checksum, err = strconv.ParseUint(value, 16, 64)
			haveChecksum = err == nil
		}
	}

	if !haveKey || !haveSize || !haveTime || !haveChecksum {
		return nil, fmt.Errorf("metadata %s is incomplete or corrupted", filepath.Base(metaPath))
	}
	ie.File = relPath(ie.Key)
	return &ie, nil
}

// removeEntryFiles deletes a payload and its sidecar. Missing files are not
// an error.
func removeEntryFiles(fullPath string) error {
	var firstErr error
	for _, p := range []string{fullPath, fullPath + metaSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}
	return firstErr
}
