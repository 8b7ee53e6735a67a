package storageworker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofsouzap/mandelserve/internal/coordid"
	"github.com/ofsouzap/mandelserve/internal/tilecodec"
	"github.com/ofsouzap/mandelserve/internal/tilestore"
)

func uniformTile(v byte) []byte {
	t := make([]byte, tilecodec.TileBytes)
	for i := range t {
		t[i] = v
	}
	return t
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	store, err := tilestore.New(t.TempDir())
	require.NoError(t, err)
	return New(NewSingleton(), store)
}

func TestSecondWorkerAgainstSameGuardPanics(t *testing.T) {
	store, err := tilestore.New(t.TempDir())
	require.NoError(t, err)
	guard := NewSingleton()
	New(guard, store)

	assert.Panics(t, func() {
		New(guard, store)
	})
}

func TestSeparateGuardsDoNotCollide(t *testing.T) {
	store, err := tilestore.New(t.TempDir())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		New(NewSingleton(), store)
		New(NewSingleton(), store)
	})
}

func TestSaveThenEnumerateRoundTrips(t *testing.T) {
	w := newTestWorker(t)

	coord := coordid.Coord{Level: 2, IReal: 0, IImag: 1}
	_, err := w.Save(coord, uniformTile(0x00))
	require.NoError(t, err)

	entries, err := w.Enumerate([]uint32{2}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, coord, entries[0].Coord)
}

func TestEnumerateFiltersToOwnedLevels(t *testing.T) {
	w := newTestWorker(t)

	_, err := w.Save(coordid.Coord{Level: 2, IReal: 0, IImag: 0}, uniformTile(0x00))
	require.NoError(t, err)
	_, err = w.Save(coordid.Coord{Level: 3, IReal: 0, IImag: 0}, uniformTile(0x01))
	require.NoError(t, err)

	entries, err := w.Enumerate([]uint32{3}, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(3), entries[0].Coord.Level)
}

type countingProgress struct {
	mu    sync.Mutex
	count int
}

func (p *countingProgress) Add(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count += n
	return nil
}

func TestEnumerateAdvancesProgressPerRecordScanned(t *testing.T) {
	w := newTestWorker(t)

	_, err := w.Save(coordid.Coord{Level: 2, IReal: 0, IImag: 0}, uniformTile(0x00))
	require.NoError(t, err)
	_, err = w.Save(coordid.Coord{Level: 5, IReal: 0, IImag: 0}, uniformTile(0x01))
	require.NoError(t, err)

	progress := &countingProgress{}
	entries, err := w.Enumerate([]uint32{2}, progress)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 2, progress.count)
}

func TestLookupPreservesInputOrderAndLeavesMissesNil(t *testing.T) {
	w := newTestWorker(t)

	a := coordid.Coord{Level: 2, IReal: 0, IImag: 0}
	b := coordid.Coord{Level: 2, IReal: 0, IImag: 1}
	missing := coordid.Coord{Level: 2, IReal: 1, IImag: 1}

	_, err := w.Save(a, uniformTile(0x00))
	require.NoError(t, err)
	_, err = w.Save(b, uniformTile(0x01))
	require.NoError(t, err)

	entries, err := w.Lookup([]coordid.Coord{b, missing, a})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[0])
	assert.Equal(t, b, entries[0].Coord)
	assert.Nil(t, entries[1])
	require.NotNil(t, entries[2])
	assert.Equal(t, a, entries[2].Coord)
}

func TestLoadPayloadSynthesisesUniform(t *testing.T) {
	w := newTestWorker(t)
	tile, err := w.LoadPayload(tilestore.IndexEntry{Category: tilestore.CategoryAllOne})
	require.NoError(t, err)
	assert.Equal(t, uniformTile(0x01), tile)
}

func TestSaveAsyncInvokesCallbackWithoutBlockingCaller(t *testing.T) {
	w := newTestWorker(t)
	coord := coordid.Coord{Level: 2, IReal: 0, IImag: 0}

	done := make(chan struct{})
	w.SaveAsync(coord, uniformTile(0x00), func(entry tilestore.IndexEntry, err error) {
		assert.NoError(t, err)
		assert.Equal(t, coord, entry.Coord)
		close(done)
	})
	<-done
}

func TestQueueDepthReturnsToZeroAfterJobsDrain(t *testing.T) {
	w := newTestWorker(t)
	for i := 0; i < 5; i++ {
		_, err := w.Save(coordid.Coord{Level: 2, IReal: 0, IImag: uint32(i % 2)}, uniformTile(0x00))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), w.QueueDepth())
}
