package emulator

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

type state int

const (
	stateInit state = iota
	stateLeadRead
	stateLeadWrite
	stateMidWrite
	stateTrailRead
	stateTrailWrite
	stateDone
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateLeadRead:
		return "lead_read"
	case stateLeadWrite:
		return "lead_write"
	case stateMidWrite:
		return "mid_write"
	case stateTrailRead:
		return "trail_read"
	case stateTrailWrite:
		return "trail_write"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

type eventKind int

const (
	eventAcquired eventKind = iota
	eventReleased
	eventWritten
)

func (k eventKind) String() string {
	switch k {
	case eventAcquired:
		return "acquired"
	case eventReleased:
		return "released"
	case eventWritten:
		return "written"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// event is the completion of the physical operation issued by the current state.
type event struct {
	kind eventKind
	buf  *physical.Buffer
	err  error
}

// request lives from submission to completion of one logical IO.
type request struct {
	ch     *Channel
	io     *bdev.IO
	layout Layout
	watch  metrics.Stopwatch

	// Read path.
	copyBuffer bool
	bounce     []byte

	// Write path.
	state state
	guard *Guard
	zbuf  *physical.Buffer
}

func newRequest(ch *Channel, io *bdev.IO, layout Layout) *request {
	return &request{
		ch:     ch,
		io:     io,
		layout: layout,
		watch:  ch.dev.metrics.Begin(),
	}
}

// sliceIovs returns the views of iovs covering [off, off+n).
func sliceIovs(iovs [][]byte, off, n uint64) [][]byte {
	out := make([][]byte, 0, len(iovs))

	for _, iov := range iovs {
		if n == 0 {
			break
		}

		size := uint64(len(iov))
		if off >= size {
			off -= size

			continue
		}

		chunk := min(size-off, n)
		out = append(out, iov[off:off+chunk])

		n -= chunk
		off = 0
	}

	return out
}

// copyFromIovs fills dst from iovs starting at byte off.
func copyFromIovs(dst []byte, iovs [][]byte, off uint64) {
	for _, iov := range sliceIovs(iovs, off, uint64(len(dst))) {
		dst = dst[copy(dst, iov):]
	}
}

// copyToIovs scatters src over iovs.
func copyToIovs(iovs [][]byte, src []byte) {
	for _, iov := range iovs {
		if len(src) == 0 {
			return
		}

		src = src[copy(iov, src):]
	}
}
