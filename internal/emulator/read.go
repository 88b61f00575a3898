package emulator

import (
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

// submitRead issues one physical read covering every physical block the range touches.
// Unaligned ranges are read into a bounce buffer and copied out on completion.
func (c *Channel) submitRead(io *bdev.IO) error {
	r := newRequest(c, io, Classify(c.dev.scaling, io.OffsetBlocks, io.NumBlocks))
	l := r.layout

	bufs := io.Iovs
	if !l.Aligned {
		r.copyBuffer = true
		r.bounce = physical.GetBuffer(int(l.PhysicalLen * c.dev.base.BlockSize()))
		bufs = [][]byte{r.bounce}
	}

	err := c.phys.Read(bufs, l.PhysicalLBA, l.PhysicalLen, r.readDone)
	if err != nil && r.bounce != nil {
		physical.PutBuffer(r.bounce)
		r.bounce = nil
	}

	return err
}

func (r *request) readDone(err error) {
	l := r.layout

	if err != nil {
		err = PhysicalIOError{Op: "read", LBA: l.PhysicalLBA, Blocks: l.PhysicalLen, Err: err}

		r.ch.dev.metrics.IOFailed.Add(r.io.Context(), 1)
		logger.L().Warn(r.io.Context(), "physical read failed",
			logger.WithDevice(r.ch.dev.name),
			logger.WithLBA(r.io.OffsetBlocks),
			logger.WithBlocks(r.io.NumBlocks),
			zap.Error(err),
		)
	} else if r.copyBuffer {
		start := l.LeadByteOffset()
		copyToIovs(r.io.Iovs, r.bounce[start:start+l.NumBlocks*LogicalBlockSize])
	}

	r.watch.End(r.io.Context(),
		metrics.KV("kind", bdev.IOTypeRead.String()),
		metrics.KV("shape", l.Shape().String()),
	)

	r.io.Complete(err)

	if r.bounce != nil {
		physical.PutBuffer(r.bounce)
		r.bounce = nil
	}
}
