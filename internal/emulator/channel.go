package emulator

import (
	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

// Channel is the per-thread handle of a Device. It is only used on the thread it was created for.
type Channel struct {
	dev  *Device
	phys physical.Channel
}

var _ bdev.ModuleChannel = (*Channel)(nil)

func (c *Channel) Submit(io *bdev.IO) error {
	if err := c.dev.validate(io); err != nil {
		return err
	}

	switch io.Type {
	case bdev.IOTypeRead:
		return c.submitRead(io)
	case bdev.IOTypeWrite:
		return c.submitWrite(io)
	case bdev.IOTypeFlush:
		return c.submitFlush(io)
	default:
		return bdev.UnsupportedIOTypeError{Module: c.dev.name, Type: io.Type}
	}
}

func (c *Channel) submitWrite(io *bdev.IO) error {
	r := newRequest(c, io, Classify(c.dev.scaling, io.OffsetBlocks, io.NumBlocks))

	if r.layout.NeedsGuard() {
		guard, ok := c.dev.tryAcquire()
		if !ok {
			c.dev.metrics.GuardContended.Add(io.Context(), 1)
			logger.L().Debug(io.Context(), "device guard busy, deferring unaligned write",
				logger.WithDevice(c.dev.name),
				logger.WithLBA(io.OffsetBlocks),
				logger.WithBlocks(io.NumBlocks),
			)

			return ErrGuardBusy
		}

		r.guard = guard
	}

	if err := r.start(); err != nil {
		if r.guard != nil {
			r.guard.Release()
		}

		return err
	}

	return nil
}

func (c *Channel) submitFlush(io *bdev.IO) error {
	watch := c.dev.metrics.Begin()

	return c.phys.Flush(func(err error) {
		if err != nil {
			err = PhysicalIOError{Op: "flush", Err: err}
			c.dev.metrics.IOFailed.Add(io.Context(), 1)
		}

		watch.End(io.Context(), metrics.KV("kind", io.Type.String()))

		io.Complete(err)
	})
}

// Close releases the physical channel. IOs still in flight complete on their own.
func (c *Channel) Close() error {
	return c.phys.Close()
}
