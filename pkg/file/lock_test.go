//go:build unix

package file

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_SerializesHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(path, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestAcquireLock_WaiterSeesRemovedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "job")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, ".lock")

	held, err := AcquireLock(path)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		lock, err := AcquireLock(path)
		if err == nil {
			_ = lock.Release()
		}
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, held.Release())

	select {
	case err := <-result:
		require.Error(t, err)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after directory removal")
	}
}

func TestAcquireLock_MissingParent(t *testing.T) {
	_, err := AcquireLock(filepath.Join(t.TempDir(), "absent", ".lock"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
