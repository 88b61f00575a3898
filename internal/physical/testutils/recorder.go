package testutils

import (
	"sync"

	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

type OpKind string

const (
	OpRead    OpKind = "read"
	OpWrite   OpKind = "write"
	OpFlush   OpKind = "flush"
	OpAcquire OpKind = "acquire"
	OpRelease OpKind = "release"
)

// Op is one operation accepted by a recorded channel.
// Started and Finished are positions in a sequence shared by every op of the Recorder.
type Op struct {
	Kind     OpKind
	LBA      uint64
	Blocks   uint64
	Populate bool
	Commit   bool
	// Buffers handed to a read or write.
	Bufs [][]byte

	Started  int
	Finished int
	Err      error
}

// Recorder wraps a physical device, records every operation issued through its channels
// and injects failures by operation index.
type Recorder struct {
	physical.Device

	mu       sync.Mutex
	seq      int
	attempts int
	ops      []*Op
	fail     map[int]error
	reject   map[int]error
}

func NewRecorder(dev physical.Device) *Recorder {
	return &Recorder{
		Device: dev,
		fail:   make(map[int]error),
		reject: make(map[int]error),
	}
}

// FailOp completes the index-th accepted operation with err without touching the device.
func (r *Recorder) FailOp(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fail[index] = err
}

// RejectAttempt fails the index-th submission synchronously with err, e.g. physical.ErrNoResources.
func (r *Recorder) RejectAttempt(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reject[index] = err
}

// Ops returns a snapshot of the recorded operations in the order they were accepted.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Op, len(r.ops))
	for i, op := range r.ops {
		out[i] = *op
	}

	return out
}

func (r *Recorder) Kinds() []OpKind {
	ops := r.Ops()

	kinds := make([]OpKind, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind
	}

	return kinds
}

// Attempts returns how many submissions were made, rejected ones included.
func (r *Recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.attempts
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts = 0
	r.ops = nil
	r.fail = make(map[int]error)
	r.reject = make(map[int]error)
}

func (r *Recorder) Channel(t *thread.Thread) (physical.Channel, error) {
	inner, err := r.Device.Channel(t)
	if err != nil {
		return nil, err
	}

	return &channel{rec: r, inner: inner, thread: t}, nil
}

// begin registers a submission. A non-nil rejection must be returned to the caller as is.
func (r *Recorder) begin(op *Op) (rejection error, failure error, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt := r.attempts
	r.attempts++

	if err, ok := r.reject[attempt]; ok {
		delete(r.reject, attempt)

		return err, nil, -1
	}

	index = len(r.ops)
	r.seq++
	op.Started = r.seq
	r.ops = append(r.ops, op)

	return nil, r.fail[index], index
}

// undo drops an op the inner channel refused.
func (r *Recorder) undo(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index == len(r.ops)-1 {
		r.ops = r.ops[:index]
	}
}

func (r *Recorder) end(op *Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	op.Finished = r.seq
	op.Err = err
}

type channel struct {
	rec    *Recorder
	inner  physical.Channel
	thread *thread.Thread
}

// issue runs submit unless the op is rejected or scheduled to fail.
func (c *channel) issue(op *Op, cb physical.Completion, submit func(cb physical.Completion) error) error {
	rejection, failure, index := c.rec.begin(op)
	if rejection != nil {
		return rejection
	}

	done := func(err error) {
		c.rec.end(op, err)
		cb(err)
	}

	if failure != nil {
		return c.thread.Send(func() {
			done(failure)
		})
	}

	if err := submit(done); err != nil {
		c.rec.undo(index)

		return err
	}

	return nil
}

func (c *channel) Read(bufs [][]byte, lba, blocks uint64, cb physical.Completion) error {
	return c.issue(&Op{Kind: OpRead, LBA: lba, Blocks: blocks, Bufs: bufs}, cb, func(done physical.Completion) error {
		return c.inner.Read(bufs, lba, blocks, done)
	})
}

func (c *channel) Write(bufs [][]byte, lba, blocks uint64, cb physical.Completion) error {
	return c.issue(&Op{Kind: OpWrite, LBA: lba, Blocks: blocks, Bufs: bufs}, cb, func(done physical.Completion) error {
		return c.inner.Write(bufs, lba, blocks, done)
	})
}

func (c *channel) Flush(cb physical.Completion) error {
	return c.issue(&Op{Kind: OpFlush}, cb, c.inner.Flush)
}

func (c *channel) ZeroCopyAcquire(lba, blocks uint64, populate bool, cb physical.AcquireCompletion) error {
	var acquired *physical.Buffer

	return c.issue(&Op{Kind: OpAcquire, LBA: lba, Blocks: blocks, Populate: populate}, func(err error) {
		if err != nil {
			cb(nil, err)

			return
		}

		cb(acquired, nil)
	}, func(done physical.Completion) error {
		return c.inner.ZeroCopyAcquire(lba, blocks, populate, func(buf *physical.Buffer, err error) {
			acquired = buf
			done(err)
		})
	})
}

func (c *channel) ZeroCopyRelease(buf *physical.Buffer, commit bool, cb physical.Completion) error {
	op := &Op{Kind: OpRelease, Commit: commit}
	if buf != nil {
		op.LBA, op.Blocks = buf.LBA, buf.Blocks
	}

	rejection, failure, index := c.rec.begin(op)
	if rejection != nil {
		return rejection
	}

	done := func(err error) {
		c.rec.end(op, err)
		cb(err)
	}

	// A failed release still gives the buffer back, without writing it.
	if failure != nil {
		err := c.inner.ZeroCopyRelease(buf, false, func(error) {
			done(failure)
		})
		if err != nil {
			c.rec.undo(index)
		}

		return err
	}

	if err := c.inner.ZeroCopyRelease(buf, commit, done); err != nil {
		c.rec.undo(index)

		return err
	}

	return nil
}

func (c *channel) QueueIOWait(fn func()) {
	c.inner.QueueIOWait(fn)
}

func (c *channel) Close() error {
	return c.inner.Close()
}
