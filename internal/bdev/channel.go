package bdev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

const (
	// nomemThresholdCount is how many outstanding IOs have to complete before queued IOs are retried.
	nomemThresholdCount = 8

	DefaultNomemRetryInterval = time.Millisecond
)

// Channel submits IOs to a module from one thread and re-drives IOs the module had no resources for.
// All methods must be called on the channel's thread.
type Channel struct {
	module Module
	mch    ModuleChannel
	thread *thread.Thread

	outstanding    int
	nomem          []*IO
	nomemThreshold int
	retryInterval  time.Duration
	retryArmed     bool
	closed         bool
}

type ChannelOption func(*Channel)

func WithNomemRetryInterval(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

func Open(module Module, t *thread.Thread, opts ...ChannelOption) (*Channel, error) {
	mch, err := module.Channel(t)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel for %s: %w", module.Name(), err)
	}

	c := &Channel{
		module:        module,
		mch:           mch,
		thread:        t,
		retryInterval: DefaultNomemRetryInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *Channel) Module() Module {
	return c.module
}

func (c *Channel) Thread() *thread.Thread {
	return c.thread
}

// Outstanding returns the number of submitted IOs that have not completed, queued ones included.
func (c *Channel) Outstanding() int {
	return c.outstanding + len(c.nomem)
}

// Submit starts io. A returned error means io was rejected and its callback will not run.
// IOs the module has no resources for are queued and resubmitted later.
func (c *Channel) Submit(io *IO) error {
	if c.closed {
		return ErrChannelClosed
	}

	if !c.module.IOTypeSupported(io.Type) {
		return UnsupportedIOTypeError{Module: c.module.Name(), Type: io.Type}
	}

	if len(io.Iovs) > iovMax {
		return ErrTooManyIovs
	}

	io.ch = c
	io.status = IOStatusPending

	// Keep ordering: nothing overtakes IOs that are already waiting.
	if len(c.nomem) > 0 {
		c.queueNomem(io)

		return nil
	}

	queued, err := c.submit(io)
	if err != nil {
		return err
	}

	if queued {
		c.queueNomem(io)
	}

	return nil
}

func (c *Channel) submit(io *IO) (queued bool, err error) {
	c.outstanding++

	err = c.mch.Submit(io)
	if err == nil {
		return false, nil
	}

	c.outstanding--

	if errors.Is(err, physical.ErrNoResources) {
		return true, nil
	}

	io.ch = nil

	return false, err
}

func (c *Channel) queueNomem(io *IO) {
	c.nomem = append(c.nomem, io)

	// Wait for some of the outstanding IOs to complete before retrying, or for half of them on shallow queues.
	c.nomemThreshold = max(c.outstanding/2, c.outstanding-nomemThresholdCount)

	logger.L().Debug(io.Context(), "bdev io queued for resources",
		zap.String("bdev", c.module.Name()),
		zap.Stringer("type", io.Type),
		logger.WithLBA(io.OffsetBlocks),
		logger.WithBlocks(io.NumBlocks),
		zap.Int("outstanding", c.outstanding),
		zap.Int("queued", len(c.nomem)),
	)

	if c.outstanding == 0 {
		c.armRetry()
	}
}

// Nothing in flight on this channel will wake the queue, e.g. when another channel holds what we wait for.
func (c *Channel) armRetry() {
	if c.retryArmed {
		return
	}

	c.retryArmed = true

	time.AfterFunc(c.retryInterval, func() {
		err := c.thread.Send(func() {
			c.retryArmed = false
			c.retryNomem()
		})
		if err != nil {
			logger.L().Warn(context.Background(), "bdev nomem retry dropped",
				zap.String("bdev", c.module.Name()),
				zap.Error(err),
			)
		}
	})
}

func (c *Channel) retryNomem() {
	if len(c.nomem) == 0 || c.closed {
		return
	}

	if c.outstanding > c.nomemThreshold {
		return
	}

	for len(c.nomem) > 0 {
		io := c.nomem[0]
		c.nomem = c.nomem[1:]

		io.retries++

		queued, err := c.submit(io)
		if err != nil {
			io.ch = nil
			io.Complete(err)

			continue
		}

		if queued {
			c.nomem = append([]*IO{io}, c.nomem...)
			c.nomemThreshold = max(c.outstanding/2, c.outstanding-nomemThresholdCount)

			if c.outstanding == 0 {
				c.armRetry()
			}

			return
		}
	}
}

// Close fails every queued IO and closes the module channel. Must be called on the channel's thread.
func (c *Channel) Close() error {
	if c.closed {
		return ErrChannelClosed
	}

	c.closed = true

	queued := c.nomem
	c.nomem = nil

	for _, io := range queued {
		io.ch = nil
		io.Complete(ErrChannelClosed)
	}

	return c.mch.Close()
}
