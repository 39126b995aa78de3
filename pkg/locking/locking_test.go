package locking

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutualExclusion(t *testing.T, g Group) {
	t.Helper()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.DoWithLock("logdata:\"h\":1:\"a.txt\"", func() (interface{}, error) {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
}

func TestMemLock_SerializesSameKey(t *testing.T) {
	testMutualExclusion(t, NewMemLock())
}

func TestFileLock_SerializesSameKey(t *testing.T) {
	g, err := NewFileLock(t.TempDir())
	require.NoError(t, err)
	testMutualExclusion(t, g)
}

func TestFileLock_BoundedLockFiles(t *testing.T) {
	dir := t.TempDir()
	g, err := NewFileLock(dir)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		_, err := g.DoWithLock(fmt.Sprintf("openqa.example.com/job/%d/details", i), func() (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
	assert.LessOrEqual(t, len(files), 256)
}

func TestMemLock_DistinctKeysDoNotBlock(t *testing.T) {
	g := NewMemLock()

	entered := make(chan struct{})
	release := make(chan struct{})
	go g.DoWithLock("a", func() (interface{}, error) {
		close(entered)
		<-release
		return nil, nil
	})
	<-entered

	done := make(chan struct{})
	go func() {
		g.DoWithLock("b", func() (interface{}, error) { return nil, nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	close(release)
}

func TestMemLock_ReleasesIdleLocks(t *testing.T) {
	g := NewMemLock()
	for i := 0; i < 3; i++ {
		_, err := g.DoWithLock("k", func() (interface{}, error) { return nil, nil })
		require.NoError(t, err)
	}
	g.Lock()
	defer g.Unlock()
	assert.Empty(t, g.locks)
}

func TestGroups_PropagateResults(t *testing.T) {
	fileLock, err := NewFileLock(t.TempDir())
	require.NoError(t, err)
	boom := errors.New("boom")

	for name, g := range map[string]Group{
		"noop": NewNoOpGroup(),
		"mem":  NewMemLock(),
		"file": fileLock,
	} {
		t.Run(name, func(t *testing.T) {
			v, err := g.DoWithLock("k", func() (interface{}, error) { return 42, nil })
			require.NoError(t, err)
			assert.Equal(t, 42, v)

			_, err = g.DoWithLock("k", func() (interface{}, error) { return nil, boom })
			assert.ErrorIs(t, err, boom)
		})
	}
}
