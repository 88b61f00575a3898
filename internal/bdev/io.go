package bdev

import (
	"context"
	"fmt"

	"github.com/tklauser/go-sysconf"
)

type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeFlush
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeFlush:
		return "flush"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

type IOStatus int

const (
	IOStatusPending IOStatus = iota
	IOStatusSuccess
	IOStatusFailed
)

// CompletionFunc is called exactly once per IO, on the thread of the channel the IO was submitted to.
type CompletionFunc func(io *IO, success bool)

// IO is one logical request against a Module. Offsets and lengths are in the module's blocks.
type IO struct {
	Type         IOType
	OffsetBlocks uint64
	NumBlocks    uint64
	Iovs         [][]byte

	ctx     context.Context
	cb      CompletionFunc
	status  IOStatus
	err     error
	retries int
	ch      *Channel
}

func NewIO(ctx context.Context, typ IOType, offsetBlocks, numBlocks uint64, iovs [][]byte, cb CompletionFunc) *IO {
	return &IO{
		Type:         typ,
		OffsetBlocks: offsetBlocks,
		NumBlocks:    numBlocks,
		Iovs:         iovs,
		ctx:          ctx,
		cb:           cb,
	}
}

func (io *IO) Context() context.Context {
	if io.ctx == nil {
		return context.Background()
	}

	return io.ctx
}

// Complete finishes the IO; a nil err means success. Completing an IO twice is a defect and panics.
func (io *IO) Complete(err error) {
	if io.status != IOStatusPending {
		panic(fmt.Sprintf("bdev io %s [%d, +%d) completed twice", io.Type, io.OffsetBlocks, io.NumBlocks))
	}

	io.err = err
	if err != nil {
		io.status = IOStatusFailed
	} else {
		io.status = IOStatusSuccess
	}

	ch := io.ch
	if ch != nil {
		ch.outstanding--
	}

	if io.cb != nil {
		io.cb(io, err == nil)
	}

	if ch != nil {
		ch.retryNomem()
	}
}

func (io *IO) Status() IOStatus {
	return io.status
}

// Err returns the error the IO failed with. It is kept for logging, callers only see success or failure.
func (io *IO) Err() error {
	return io.err
}

// Retries returns how many times the IO was resubmitted after running out of resources.
func (io *IO) Retries() int {
	return io.retries
}

func (io *IO) IovLen() (n uint64) {
	for _, iov := range io.Iovs {
		n += uint64(len(iov))
	}

	return n
}

// iovMax is the limit of the vectors that can be passed to a single IO.
var iovMax = getIOVMax()

func getIOVMax() int {
	v, err := sysconf.Sysconf(sysconf.SC_IOV_MAX)
	if err != nil || v <= 0 {
		return 1024
	}

	return int(v)
}
