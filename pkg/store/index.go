package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/richardartoul/openqa-logcache/pkg/eviction"
)

const indexFileName = "index.jsonl"

// IndexEntry is one row of the cache index. It carries everything eviction
// and reconciliation need without reading the payload.
type IndexEntry struct {
	Key      string    `json:"key"`
	File     string    `json:"file"` // Relative path to the payload file
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
	Checksum uint64    `json:"checksum"`
}

func (ie IndexEntry) item() eviction.Item {
	return eviction.Item{Key: ie.Key, StoredAt: ie.StoredAt, Size: ie.Size}
}

// loadIndex reads the JSON-lines index. A missing file is an empty index;
// corrupt lines are skipped and counted so reconciliation can pick up the
// payloads they described.
func loadIndex(path string) (map[string]*IndexEntry, int, error) {
	entries := make(map[string]*IndexEntry)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read index file: %w", err)
	}

	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Key == "" || entry.Size < 0 {
			skipped++
			continue
		}
		entries[entry.Key] = &entry
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("error reading index file: %w", err)
	}

	return entries, skipped, nil
}

// persistIndex writes all entries sorted by key to a temp file and renames
// it over the index.
func persistIndex(path string, entries map[string]*IndexEntry) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		data, err := json.Marshal(entries[key])
		if err != nil {
			return fmt.Errorf("failed to marshal index entry: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := writeFileAtomically(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist index: %w", err)
	}
	return nil
}
