package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor(t.TempDir(), 1<<30)
	assert.Equal(t, int64(1<<30), sm.GetLimit())
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001.vlog"), []byte("value log bytes"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "MANIFEST"), []byte("m"), 0o644))

	sm := NewStorageMonitor(dir, 1<<30)
	usage, err := sm.GetUsage()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usage, int64(16))
}

func TestStorageMonitor_Caching(t *testing.T) {
	dir := t.TempDir()
	sm := NewStorageMonitor(dir, 1<<30)

	first, err := sm.GetUsage()
	require.NoError(t, err)

	// Written after the first check, hidden by the cache
	require.NoError(t, os.WriteFile(filepath.Join(dir, "later.sst"), make([]byte, 64*1024), 0o644))

	second, err := sm.GetUsage()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStorageMonitor_ConcurrentRefresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("abc"), 0o644))
	sm := NewStorageMonitor(dir, 1<<30)

	var wg sync.WaitGroup
	results := make([]int64, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			usage, err := sm.GetUsage()
			assert.NoError(t, err)
			results[i] = usage
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestStorageMonitor_InMemory(t *testing.T) {
	sm := NewStorageMonitor("", 1<<30)
	usage, err := sm.GetUsage()
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor("/nonexistent/path/12345", 1<<30)
	_, err := sm.GetUsage()
	assert.Error(t, err)
}
