package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	in := doc{Name: "felay", Count: 3}
	require.NoError(t, WriteJSON(path, &in))

	var out doc
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)
}

func TestReadMissing(t *testing.T) {
	var out doc
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteJSON(path, &doc{Name: "x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}

func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = WriteJSON(path, &doc{Name: "w", Count: n})
		}(i)
	}
	wg.Wait()

	// Whatever writer won, the document must be whole.
	var out doc
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "w", out.Name)
}

func TestRemoveMissingIsNil(t *testing.T) {
	assert.NoError(t, Remove(filepath.Join(t.TempDir(), "missing.json")))
}
