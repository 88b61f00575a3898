package physical

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

type FileClosedError struct {
	filePath string
}

func (e *FileClosedError) Error() string {
	return fmt.Sprintf("physical device file already closed: %s", e.filePath)
}

// File is a device backed by a memory mapped file.
type File struct {
	name       string
	filePath   string
	blockSize  uint64
	blockCount uint64
	queueDepth int64

	mu     sync.RWMutex
	mmap   *mmap.MMap
	dirty  *dirtyTracker
	closed atomic.Bool
}

var _ Device = (*File)(nil)

// Open maps an existing file. Its size must be a whole number of blocks.
func Open(name, filePath string, blockSize uint64, queueDepth int64) (*File, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}

	return mapFile(name, f, uint64(info.Size()), blockSize, queueDepth)
}

// Create creates (or truncates) a sparse file of blockCount blocks and maps it.
func Create(name, filePath string, blockSize, blockCount uint64, queueDepth int64) (*File, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	defer f.Close()

	size := blockSize * blockCount

	// This should create a sparse file on Linux.
	err = f.Truncate(int64(size))
	if err != nil {
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	return mapFile(name, f, size, blockSize, queueDepth)
}

func mapFile(name string, f *os.File, size, blockSize uint64, queueDepth int64) (*File, error) {
	if blockSize == 0 || size == 0 || size%blockSize != 0 {
		return nil, fmt.Errorf("file %s of %d bytes is not a whole number of %d byte blocks", f.Name(), size, blockSize)
	}

	mm, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}

	return &File{
		name:       name,
		filePath:   f.Name(),
		blockSize:  blockSize,
		blockCount: size / blockSize,
		queueDepth: queueDepth,
		mmap:       &mm,
		dirty:      newDirtyTracker(),
	}, nil
}

func (d *File) Name() string {
	return d.name
}

func (d *File) Path() string {
	return d.filePath
}

func (d *File) BlockSize() uint64 {
	return d.blockSize
}

func (d *File) BlockCount() uint64 {
	return d.blockCount
}

func (d *File) Channel(t *thread.Thread) (Channel, error) {
	if d.closed.Load() {
		return nil, &FileClosedError{filePath: d.filePath}
	}

	return newAsyncChannel(d.name, d.blockSize, d.blockCount, d, t, d.queueDepth), nil
}

// DirtyBlocks returns the number of blocks written since the last sync.
func (d *File) DirtyBlocks() uint {
	return d.dirty.Count()
}

func (d *File) readAt(p []byte, off int64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		return &FileClosedError{filePath: d.filePath}
	}

	end := off + int64(len(p))
	if end > int64(len(*d.mmap)) {
		return fmt.Errorf("read [%d, %d) past end of %s", off, end, d.filePath)
	}

	copy(p, (*d.mmap)[off:end])

	return nil
}

func (d *File) writeAt(p []byte, off int64) error {
	// Writers only share the read lock; ranges written concurrently never overlap on a correct caller.
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		return &FileClosedError{filePath: d.filePath}
	}

	end := off + int64(len(p))
	if end > int64(len(*d.mmap)) {
		return fmt.Errorf("write [%d, %d) past end of %s", off, end, d.filePath)
	}

	copy((*d.mmap)[off:end], p)

	first := uint64(off) / d.blockSize
	last := (uint64(end) + d.blockSize - 1) / d.blockSize
	d.dirty.Mark(first, last-first)

	return nil
}

// sync flushes only the dirty ranges of the mapping.
func (d *File) sync() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed.Load() {
		return &FileClosedError{filePath: d.filePath}
	}

	dirty := d.dirty.Take()
	pageSize := uint64(os.Getpagesize())
	size := uint64(len(*d.mmap))

	for r := range bitsetRanges(dirty) {
		start := (r.Start * d.blockSize) &^ (pageSize - 1)
		end := min(r.End()*d.blockSize, size)

		if err := unix.Msync((*d.mmap)[start:end], unix.MS_SYNC); err != nil {
			d.dirty.Restore(dirty)

			return fmt.Errorf("error syncing blocks [%d, %d): %w", r.Start, r.End(), err)
		}
	}

	return nil
}

func (d *File) Close() (e error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed.CompareAndSwap(false, true) {
		return &FileClosedError{filePath: d.filePath}
	}

	if err := d.mmap.Flush(); err != nil {
		e = errors.Join(e, fmt.Errorf("error flushing mmap: %w", err))
	}

	if err := d.mmap.Unmap(); err != nil {
		e = errors.Join(e, fmt.Errorf("error unmapping mmap: %w", err))
	}

	return e
}
