package physical

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

// store is the synchronous backing of a device. Offsets and lengths are in bytes.
type store interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
	sync() error
}

// asyncChannel runs every operation on its own goroutine and posts the completion back to the owning thread.
// In-flight operations are bounded by the queue depth.
type asyncChannel struct {
	name       string
	blockSize  uint64
	blockCount uint64
	store      store
	thread     *thread.Thread
	slots      *semaphore.Weighted

	// Only touched on the owning thread.
	outstanding int
	ioWait      []func()
	closed      bool
}

var _ Channel = (*asyncChannel)(nil)

func newAsyncChannel(name string, blockSize, blockCount uint64, s store, t *thread.Thread, queueDepth int64) *asyncChannel {
	return &asyncChannel{
		name:       name,
		blockSize:  blockSize,
		blockCount: blockCount,
		store:      s,
		thread:     t,
		slots:      semaphore.NewWeighted(queueDepth),
	}
}

// submit starts op in the background. complete runs on the owning thread, which does not exit
// while the operation is in flight.
func (c *asyncChannel) submit(op func() error, complete func(err error)) error {
	if c.closed {
		return ErrChannelClosed
	}

	if !c.slots.TryAcquire(1) {
		return ErrNoResources
	}

	if err := c.thread.Expect(); err != nil {
		c.slots.Release(1)

		return fmt.Errorf("device %s: %w", c.name, err)
	}

	c.outstanding++

	go func() {
		err := op()

		c.thread.Fulfill(func() {
			c.slots.Release(1)
			c.outstanding--

			complete(err)

			c.drainIOWait()
		})
	}()

	return nil
}

func (c *asyncChannel) Read(bufs [][]byte, lba, blocks uint64, cb Completion) error {
	if err := c.checkIov(bufs, lba, blocks); err != nil {
		return err
	}

	off := int64(lba * c.blockSize)

	return c.submit(func() error {
		for _, b := range bufs {
			if err := c.store.readAt(b, off); err != nil {
				return err
			}

			off += int64(len(b))
		}

		return nil
	}, cb)
}

func (c *asyncChannel) Write(bufs [][]byte, lba, blocks uint64, cb Completion) error {
	if err := c.checkIov(bufs, lba, blocks); err != nil {
		return err
	}

	off := int64(lba * c.blockSize)

	return c.submit(func() error {
		for _, b := range bufs {
			if err := c.store.writeAt(b, off); err != nil {
				return err
			}

			off += int64(len(b))
		}

		return nil
	}, cb)
}

func (c *asyncChannel) Flush(cb Completion) error {
	return c.submit(c.store.sync, cb)
}

func (c *asyncChannel) ZeroCopyAcquire(lba, blocks uint64, populate bool, cb AcquireCompletion) error {
	if err := checkRange(lba, blocks, c.blockCount); err != nil {
		return err
	}

	buf := &Buffer{
		LBA:    lba,
		Blocks: blocks,
	}

	return c.submit(func() error {
		buf.Data = GetBuffer(int(blocks * c.blockSize))

		if !populate {
			return nil
		}

		return c.store.readAt(buf.Data, int64(lba*c.blockSize))
	}, func(err error) {
		if err != nil {
			PutBuffer(buf.Data)

			cb(nil, err)

			return
		}

		cb(buf, nil)
	})
}

func (c *asyncChannel) ZeroCopyRelease(buf *Buffer, commit bool, cb Completion) error {
	if buf == nil || buf.released {
		return ErrBufferReleased
	}

	err := c.submit(func() error {
		if !commit {
			return nil
		}

		return c.store.writeAt(buf.Data, int64(buf.LBA*c.blockSize))
	}, func(err error) {
		PutBuffer(buf.Data)
		buf.Data = nil

		cb(err)
	})
	if err != nil {
		return err
	}

	buf.released = true

	return nil
}

func (c *asyncChannel) QueueIOWait(fn func()) {
	c.ioWait = append(c.ioWait, fn)

	// Nothing in flight means no completion will drain the queue.
	if c.outstanding == 0 {
		if err := c.thread.Send(c.drainIOWait); err != nil {
			logger.L().Error(context.Background(), "failed to schedule io wait drain",
				zap.String("device", c.name),
				zap.Error(err),
			)
		}
	}
}

func (c *asyncChannel) drainIOWait() {
	if len(c.ioWait) == 0 {
		return
	}

	waiters := c.ioWait
	c.ioWait = nil

	for _, fn := range waiters {
		fn()
	}
}

func (c *asyncChannel) Close() error {
	if c.closed {
		return ErrChannelClosed
	}

	c.closed = true

	return nil
}

func (c *asyncChannel) checkIov(bufs [][]byte, lba, blocks uint64) error {
	if err := checkRange(lba, blocks, c.blockCount); err != nil {
		return err
	}

	if n := iovLen(bufs); n != blocks*c.blockSize {
		return IovSizeError{Got: n, Want: blocks * c.blockSize}
	}

	return nil
}
