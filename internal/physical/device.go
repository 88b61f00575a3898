package physical

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

// ErrNoResources is returned synchronously when an operation cannot be accepted right now.
// The caller is expected to retry later, usually through Channel.QueueIOWait.
var ErrNoResources = errors.New("no resources available for the operation")

var (
	ErrChannelClosed  = errors.New("physical channel closed")
	ErrBufferReleased = errors.New("zero-copy buffer already released")
)

type OutOfRangeError struct {
	LBA        uint64
	Blocks     uint64
	BlockCount uint64
}

func (e OutOfRangeError) Error() string {
	return fmt.Sprintf("range [%d, %d) exceeds device of %d blocks", e.LBA, e.LBA+e.Blocks, e.BlockCount)
}

type IovSizeError struct {
	Got  uint64
	Want uint64
}

func (e IovSizeError) Error() string {
	return fmt.Sprintf("iovecs hold %d bytes, operation needs %d", e.Got, e.Want)
}

type (
	Completion        func(err error)
	AcquireCompletion func(buf *Buffer, err error)
)

// Buffer is a zero-copy buffer pinned for a range of physical blocks.
// It belongs to whoever acquired it until the matching release completes.
type Buffer struct {
	LBA    uint64
	Blocks uint64
	Data   []byte

	released bool
}

// Device is an opened physical block device.
type Device interface {
	Name() string
	BlockSize() uint64
	BlockCount() uint64
	// Channel returns a channel whose completions are all delivered on t.
	Channel(t *thread.Thread) (Channel, error)
	Close() error
}

// Channel issues asynchronous operations against a Device.
// Operations either fail synchronously (ErrNoResources, invalid arguments) or complete exactly once
// through their callback on the channel's thread.
type Channel interface {
	Read(bufs [][]byte, lba, blocks uint64, cb Completion) error
	Write(bufs [][]byte, lba, blocks uint64, cb Completion) error
	Flush(cb Completion) error
	// ZeroCopyAcquire pins a buffer for the range, filled from the device when populate is set.
	ZeroCopyAcquire(lba, blocks uint64, populate bool, cb AcquireCompletion) error
	// ZeroCopyRelease unpins buf, writing it back first when commit is set.
	// The buffer is released even when the write back fails.
	ZeroCopyRelease(buf *Buffer, commit bool, cb Completion) error
	// QueueIOWait runs fn once the channel may have resources again. Must be called on the channel's thread.
	QueueIOWait(fn func())
	Close() error
}

func checkRange(lba, blocks, blockCount uint64) error {
	if blocks == 0 || lba+blocks < lba || lba+blocks > blockCount {
		return OutOfRangeError{LBA: lba, Blocks: blocks, BlockCount: blockCount}
	}

	return nil
}

func iovLen(bufs [][]byte) (n uint64) {
	for _, b := range bufs {
		n += uint64(len(b))
	}

	return n
}
