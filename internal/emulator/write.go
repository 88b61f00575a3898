package emulator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

// A write runs its pieces strictly in order:
//
//	lead_read -> lead_write -> mid_write -> trail_read -> trail_write
//
// Pieces missing from the layout are skipped. Every physical completion calls advance,
// which issues the next operation. The guard, when held, is released before the IO completes.

// start issues the first operation. An error means nothing was issued and the request is dropped.
func (r *request) start() error {
	next := r.nextPhase(stateInit)
	if next == stateDone {
		panic(StateMachineInvariantError{State: stateInit, Event: eventWritten})
	}

	return r.enter(next)
}

// nextPhase returns the first phase after s that has a piece to write.
func (r *request) nextPhase(s state) state {
	for s++; s < stateDone; s++ {
		switch s {
		case stateLeadRead:
			if r.layout.LeadUnaligned {
				return s
			}
		case stateMidWrite:
			if r.layout.MidExists {
				return s
			}
		case stateTrailRead:
			if r.layout.TrailUnaligned {
				return s
			}
		}
	}

	return stateDone
}

// enter issues the physical operation of s and moves there once it was accepted.
func (r *request) enter(s state) error {
	if s == stateDone {
		r.finish(nil)

		return nil
	}

	l := r.layout
	phys := r.ch.phys

	var err error
	switch s {
	case stateLeadRead:
		err = phys.ZeroCopyAcquire(l.PhysicalLBA, 1, true, r.acquired)
	case stateMidWrite:
		iovs := sliceIovs(r.io.Iovs, l.MidSourceOffset(), l.MidBytes())
		err = phys.Write(iovs, l.MidPhysicalLBA, l.MidLen, r.written)
	case stateTrailRead:
		err = phys.ZeroCopyAcquire(l.TrailPhysicalLBA, 1, true, r.acquired)
	case stateLeadWrite, stateTrailWrite:
		err = phys.ZeroCopyRelease(r.zbuf, true, r.released)
	default:
		panic(StateMachineInvariantError{State: s, Event: eventWritten})
	}

	if err != nil {
		return err
	}

	r.state = s
	r.ch.dev.metrics.RMWPhases.Add(r.io.Context(), 1, metric.WithAttributes(metrics.KV("phase", s.String())))

	return nil
}

// step enters s from a completion. Running out of resources parks the step until the physical channel frees up.
func (r *request) step(s state) {
	err := r.enter(s)
	if err == nil {
		return
	}

	if errors.Is(err, physical.ErrNoResources) {
		logger.L().Debug(r.io.Context(), "physical channel busy, waiting to issue write phase",
			logger.WithDevice(r.ch.dev.name),
			zap.Stringer("phase", s),
		)

		r.ch.phys.QueueIOWait(func() {
			r.step(s)
		})

		return
	}

	r.finish(r.phaseError(s, err))
}

func (r *request) acquired(buf *physical.Buffer, err error) {
	r.advance(event{kind: eventAcquired, buf: buf, err: err})
}

func (r *request) released(err error) {
	r.advance(event{kind: eventReleased, err: err})
}

func (r *request) written(err error) {
	r.advance(event{kind: eventWritten, err: err})
}

func (r *request) advance(ev event) {
	l := r.layout

	switch {
	case ev.kind == eventAcquired && (r.state == stateLeadRead || r.state == stateTrailRead):
	case ev.kind == eventReleased && (r.state == stateLeadWrite || r.state == stateTrailWrite):
	case ev.kind == eventWritten && r.state == stateMidWrite:
	default:
		panic(StateMachineInvariantError{State: r.state, Event: ev.kind})
	}

	if ev.kind == eventReleased {
		// The buffer is gone whether or not the commit succeeded.
		r.zbuf = nil
	}

	if ev.err != nil {
		r.finish(r.phaseError(r.state, ev.err))

		return
	}

	switch r.state {
	case stateLeadRead:
		r.zbuf = ev.buf
		copyFromIovs(r.zbuf.Data[l.LeadByteOffset():l.LeadByteOffset()+l.LeadBytes()], r.io.Iovs, 0)
		r.step(stateLeadWrite)
	case stateTrailRead:
		r.zbuf = ev.buf
		copyFromIovs(r.zbuf.Data[:l.TrailBytes()], r.io.Iovs, l.TrailSourceOffset())
		r.step(stateTrailWrite)
	default:
		r.step(r.nextPhase(r.state))
	}
}

func (r *request) phaseError(s state, err error) error {
	l := r.layout

	var lba, blocks uint64
	switch s {
	case stateLeadRead, stateLeadWrite:
		lba, blocks = l.PhysicalLBA, 1
	case stateMidWrite:
		lba, blocks = l.MidPhysicalLBA, l.MidLen
	case stateTrailRead, stateTrailWrite:
		lba, blocks = l.TrailPhysicalLBA, 1
	}

	return PhysicalIOError{Op: s.String(), LBA: lba, Blocks: blocks, Err: err}
}

// finish releases everything the request holds and completes the IO.
// Phases that already reached the device are not rolled back.
func (r *request) finish(err error) {
	if r.state == stateDone {
		panic(StateMachineInvariantError{State: stateDone, Event: eventWritten})
	}

	failedIn := r.state
	r.state = stateDone

	if r.zbuf != nil {
		r.dropBuffer()
	}

	if r.guard != nil {
		r.guard.Release()
		r.guard = nil
	}

	ctx := r.io.Context()

	if err != nil {
		r.ch.dev.metrics.IOFailed.Add(ctx, 1)
		logger.L().Warn(ctx, "write failed",
			logger.WithDevice(r.ch.dev.name),
			logger.WithLBA(r.io.OffsetBlocks),
			logger.WithBlocks(r.io.NumBlocks),
			zap.Stringer("phase", failedIn),
			zap.Stringer("shape", r.layout.Shape()),
			zap.Error(err),
		)
	}

	r.watch.End(ctx,
		metrics.KV("kind", bdev.IOTypeWrite.String()),
		metrics.KV("shape", r.layout.Shape().String()),
	)

	r.io.Complete(err)
}

// dropBuffer gives back a zero-copy buffer without writing it.
func (r *request) dropBuffer() {
	buf := r.zbuf
	r.zbuf = nil

	err := r.ch.phys.ZeroCopyRelease(buf, false, func(err error) {
		if err != nil {
			logger.L().Warn(context.Background(), "failed to drop zero-copy buffer",
				logger.WithDevice(r.ch.dev.name),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		logger.L().Warn(r.io.Context(), "failed to drop zero-copy buffer",
			logger.WithDevice(r.ch.dev.name),
			logger.WithLBA(buf.LBA),
			zap.Error(err),
		)
	}
}
