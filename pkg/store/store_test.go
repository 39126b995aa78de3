package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/openqa-logcache/pkg/eviction"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// diskPayloadBytes sums the sizes of all payload files under dir.
func diskPayloadBytes(t *testing.T, dir string) int64 {
	t.Helper()
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), fileFormatVersion) && !strings.Contains(d.Name(), ".") {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	require.NoError(t, err)
	return total
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "cache")
	s := openTestStore(t, dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, int64(0), s.TotalSize())
	assert.Empty(t, s.ListIndex())
}

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, t.TempDir(), WithClock(clock.Now))

	written, err := s.Write("details:\"h\":1:\"\"", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, int64(8), written.Size)
	assert.True(t, written.StoredAt.Equal(clock.Now()))

	got, err := s.Read("details:\"h\":1:\"\"")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte(`{"id":1}`), got.Payload)
	assert.Equal(t, int64(8), got.Size)
	assert.True(t, got.StoredAt.Equal(clock.Now()))
}

func TestRead_MissingKey(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	got, err := s.Read("nope")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestWrite_ReplacesPreviousEntry(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	s := openTestStore(t, dir, WithClock(clock.Now))

	_, err := s.Write("k", []byte("first version"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.Write("k", []byte("v2"))
	require.NoError(t, err)

	got, err := s.Read("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Payload)
	assert.True(t, got.StoredAt.Equal(clock.Now()))
	assert.Equal(t, int64(2), s.TotalSize())
	assert.Len(t, s.ListIndex(), 1)
	assert.Equal(t, s.TotalSize(), diskPayloadBytes(t, dir))
}

func TestWrite_EmptyPayload(t *testing.T) {
	s := openTestStore(t, t.TempDir())

	_, err := s.Write("empty", nil)
	require.NoError(t, err)

	got, err := s.Read("empty")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Payload)
}

func TestWrite_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	for i := 0; i < 5; i++ {
		_, err := s.Write(fmt.Sprintf("k%d", i), []byte("payload"))
		require.NoError(t, err)
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		assert.NotContains(t, d.Name(), tmpMarker)
		return nil
	})
	require.NoError(t, err)
}

func TestDelete_Idempotent(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Write("k", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Delete("never-written"))

	got, err := s.Read("k")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(0), s.TotalSize())
	assert.Equal(t, int64(0), diskPayloadBytes(t, dir))
}

func TestTotalSize_ConsistentWithIndexAndDisk(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	sizes := map[string]int{"a": 10, "b": 200, "c": 3, "a2": 45}
	for k, n := range sizes {
		_, err := s.Write(k, make([]byte, n))
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete("b"))
	_, err := s.Write("c", make([]byte, 7))
	require.NoError(t, err)

	var indexed int64
	for _, ie := range s.ListIndex() {
		indexed += ie.Size
	}
	assert.Equal(t, int64(10+7+45), s.TotalSize())
	assert.Equal(t, indexed, s.TotalSize())
	assert.Equal(t, s.TotalSize(), diskPayloadBytes(t, dir))
}

func TestListIndex_OrderedOldestFirst(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, t.TempDir(), WithClock(clock.Now))

	for _, k := range []string{"c", "a", "b"} {
		_, err := s.Write(k, []byte(k))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	// Same timestamp: ordered by key.
	_, err := s.Write("z", []byte("z"))
	require.NoError(t, err)
	_, err = s.Write("y", []byte("y"))
	require.NoError(t, err)

	var got []string
	for _, ie := range s.ListIndex() {
		got = append(got, ie.Key)
	}
	assert.Equal(t, []string{"c", "a", "b", "y", "z"}, got)
}

func TestRead_CorruptPayloadSelfHeals(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Write("k", []byte("good data"))
	require.NoError(t, err)

	// Same length, different content.
	require.NoError(t, os.WriteFile(filepath.Join(dir, relPath("k")), []byte("evil data"), 0o644))

	got, err := s.Read("k")
	assert.Nil(t, got)
	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "k", storageErr.Key)

	// The broken entry is gone: the next read is a clean miss.
	got, err = s.Read("k")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(0), s.TotalSize())
	assert.Empty(t, s.ListIndex())
}

func TestRead_MissingPayloadSelfHeals(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	_, err := s.Write("k", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, relPath("k"))))

	_, err = s.Read("k")
	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
	assert.Equal(t, int64(0), s.TotalSize())
}

func TestRead_EntryRemovedByOtherStoreIsAbsent(t *testing.T) {
	dir := t.TempDir()
	first := openTestStore(t, dir)
	second := openTestStore(t, dir)

	_, err := first.Write("k", []byte("data"))
	require.NoError(t, err)
	got, err := second.Read("k")
	require.NoError(t, err)
	require.NotNil(t, got)

	// first removes the entry; second still has the row in memory.
	require.NoError(t, first.Delete("k"))

	got, err = second.Read("k")
	require.NoError(t, err, "an entry deleted elsewhere is a plain miss, not corruption")
	assert.Nil(t, got)
	assert.Empty(t, second.ListIndex())
	assert.Equal(t, int64(0), second.TotalSize())
}

func TestReconcile_DropsRowsAndRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Write("a", []byte("aaaa"))
	require.NoError(t, err)
	_, err = s.Write("b", []byte("bbbbbb"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Lose a's payload and drop a stray payload file without a sidecar.
	require.NoError(t, os.Remove(filepath.Join(dir, relPath("a"))))
	stray := filepath.Join(dir, relPath("stray"))
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0o644))

	s = openTestStore(t, dir)

	require.Len(t, s.ListIndex(), 1)
	assert.Equal(t, "b", s.ListIndex()[0].Key)
	assert.Equal(t, int64(6), s.TotalSize())
	assert.Equal(t, s.TotalSize(), diskPayloadBytes(t, dir))
	_, err = os.Stat(stray)
	assert.True(t, os.IsNotExist(err))
}

func TestReconcile_AdoptsPayloadAfterLostIndex(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	s, err := Open(dir, WithClock(clock.Now))
	require.NoError(t, err)

	_, err = s.Write("a", []byte("payload-a"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash between the payload rename and the index rewrite.
	require.NoError(t, os.Remove(filepath.Join(dir, indexFileName)))

	s = openTestStore(t, dir)
	require.Len(t, s.ListIndex(), 1)
	assert.Equal(t, int64(9), s.TotalSize())

	got, err := s.Read("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-a"), got.Payload)
	assert.True(t, got.StoredAt.Equal(clock.Now()))
}

func TestReconcile_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	old := filepath.Join(dir, "ab", fileFormatVersion+"ab12"+tmpMarker+"123")
	fresh := filepath.Join(dir, "ab", fileFormatVersion+"ab34"+tmpMarker+"456")
	require.NoError(t, os.WriteFile(old, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("partial"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	s = openTestStore(t, dir)
	report, err := s.Reconcile()
	require.NoError(t, err)
	assert.False(t, report.Changed())

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "in-flight temp files must survive")
}

func TestReconcile_SkipsCorruptIndexLines(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.Write("a", []byte("aaa"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, indexFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openTestStore(t, dir)
	assert.Len(t, s.ListIndex(), 1)
	assert.Equal(t, int64(3), s.TotalSize())
}

func TestWrite_SizeEvictionScriptedSurvivors(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	var evicted []eviction.Decision
	s := openTestStore(t, dir,
		WithClock(clock.Now),
		WithPolicy(eviction.Policy{MaxSize: 100, TimeToLive: -1}),
		WithEvictionHook(func(d eviction.Decision) { evicted = append(evicted, d) }),
	)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Write(k, make([]byte, 30))
		require.NoError(t, err)
		assert.LessOrEqual(t, s.TotalSize(), int64(100))
		clock.Advance(time.Second)
	}

	var survivors []string
	for _, ie := range s.ListIndex() {
		survivors = append(survivors, ie.Key)
	}
	assert.Equal(t, []string{"c", "d", "e"}, survivors)
	assert.Equal(t, []eviction.Decision{
		{Key: "a", Reason: eviction.ReasonSize},
		{Key: "b", Reason: eviction.ReasonSize},
	}, evicted)
	assert.Equal(t, s.TotalSize(), diskPayloadBytes(t, dir))
}

func TestWrite_OversizedEntryKeptUntilNextWrite(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, t.TempDir(),
		WithClock(clock.Now),
		WithPolicy(eviction.Policy{MaxSize: 10, TimeToLive: -1}),
	)

	_, err := s.Write("small", make([]byte, 4))
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = s.Write("huge", make([]byte, 50))
	require.NoError(t, err)
	got, err := s.Read("huge")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(50), s.TotalSize())

	clock.Advance(time.Second)
	_, err = s.Write("next", make([]byte, 4))
	require.NoError(t, err)

	got, err = s.Read("huge")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, int64(4), s.TotalSize())
}

func TestWrite_TTLSweep(t *testing.T) {
	clock := newFakeClock()
	var evicted []eviction.Decision
	s := openTestStore(t, t.TempDir(),
		WithClock(clock.Now),
		WithPolicy(eviction.Policy{MaxSize: 1 << 20, TimeToLive: time.Hour}),
		WithEvictionHook(func(d eviction.Decision) { evicted = append(evicted, d) }),
	)

	_, err := s.Write("old", []byte("old"))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = s.Write("new", []byte("new"))
	require.NoError(t, err)

	assert.Equal(t, []eviction.Decision{{Key: "old", Reason: eviction.ReasonTTL}}, evicted)
	assert.Len(t, s.ListIndex(), 1)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	for i := 0; i < 3; i++ {
		_, err := s.Write(fmt.Sprintf("k%d", i), []byte("x"))
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear())
	assert.Equal(t, Stats{}, s.Stats())
	assert.Equal(t, int64(0), diskPayloadBytes(t, dir))
}

func TestTwoStores_ShareDirectory(t *testing.T) {
	dir := t.TempDir()
	first := openTestStore(t, dir)
	second := openTestStore(t, dir)

	_, err := first.Write("from-first", []byte("1111"))
	require.NoError(t, err)

	// second never loaded this row, it finds it through the sidecar.
	got, err := second.Read("from-first")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("1111"), got.Payload)

	_, err = second.Write("from-second", []byte("22"))
	require.NoError(t, err)

	// Index rewrites merge instead of clobbering each other.
	assert.Equal(t, int64(6), second.TotalSize())
	require.NoError(t, first.Delete("unrelated"))
	assert.Equal(t, int64(6), first.TotalSize())
}

func TestWrite_ConcurrentSameKey(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Write("shared", []byte(strings.Repeat("x", i+1)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Read("shared")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(len(got.Payload)), s.TotalSize())
	assert.Len(t, s.ListIndex(), 1)
	assert.Equal(t, s.TotalSize(), diskPayloadBytes(t, dir))
}
