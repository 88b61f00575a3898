package physical

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

func TestFileWriteSyncReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk")

	f, err := Create("disk", path, 4096, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), f.BlockCount())
	assert.Equal(t, path, f.Path())

	th := thread.New("test")
	t.Cleanup(th.Stop)

	var ch Channel
	run(t, th, func() {
		ch, err = f.Channel(th)
	})
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x7E}, 3*4096)
	done := make(chan error, 1)

	run(t, th, func() {
		assert.NoError(t, ch.Write([][]byte{data}, 5, 3, func(err error) { done <- err }))
	})
	require.NoError(t, wait(t, done))
	assert.Equal(t, uint(3), f.DirtyBlocks())

	run(t, th, func() {
		assert.NoError(t, ch.Flush(func(err error) { done <- err }))
	})
	require.NoError(t, wait(t, done))
	assert.Zero(t, f.DirtyBlocks())

	require.NoError(t, f.Close())

	var closedErr *FileClosedError
	require.ErrorAs(t, f.Close(), &closedErr)

	_, err = f.Channel(th)
	require.ErrorAs(t, err, &closedErr)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content[5*4096:])

	reopened, err := Open("disk", path, 4096, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	assert.Equal(t, uint64(8), reopened.BlockCount())
}

func TestOpenRejectsPartialBlocks(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "disk")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096+512), 0o644))

	_, err := Open("disk", path, 4096, 0)
	require.Error(t, err)

	_, err = Open("missing", filepath.Join(t.TempDir(), "missing"), 4096, 0)
	require.Error(t, err)
}

func TestBitsetRanges(t *testing.T) {
	t.Parallel()

	b := bitset.New(0)
	for _, i := range []uint{1, 2, 3, 7, 10, 11} {
		b.Set(i)
	}

	assert.Equal(t, []Range{{1, 3}, {7, 1}, {10, 2}}, slices.Collect(bitsetRanges(b)))
	assert.Empty(t, slices.Collect(bitsetRanges(bitset.New(0))))
}

func TestDirtyTrackerRestore(t *testing.T) {
	t.Parallel()

	d := newDirtyTracker()
	d.Mark(4, 4)

	taken := d.Take()
	assert.Zero(t, d.Count())

	d.Mark(0, 1)
	d.Restore(taken)
	assert.Equal(t, uint(5), d.Count())
}

func TestBufferPool(t *testing.T) {
	t.Parallel()

	for _, size := range []int{1, 512, 513, 4096, 12288, 4 << 20, 5 << 20} {
		buf := GetBuffer(size)
		assert.Len(t, buf, size)
		PutBuffer(buf)
	}

	assert.Equal(t, 0, sizeClass(512))
	assert.Equal(t, 1, sizeClass(513))
	assert.Equal(t, 3, sizeClass(4096))
	assert.Equal(t, 5, sizeClass(12288))
}
