package emulator

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical/testutils"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

const waitTimeout = 5 * time.Second

type harness struct {
	t      *testing.T
	thread *thread.Thread
	dev    *Device
	ch     *bdev.Channel
	rec    *testutils.Recorder
}

func newMemoryHarness(t *testing.T, physicalBlockSize, physicalBlocks uint64) (*harness, *physical.Memory) {
	t.Helper()

	mem := physical.NewMemory("base", physicalBlockSize, physicalBlocks)

	return newHarness(t, mem), mem
}

func newHarness(t *testing.T, base physical.Device, opts ...Option) *harness {
	t.Helper()

	rec := testutils.NewRecorder(base)

	dev, err := New(rec, "emu", opts...)
	require.NoError(t, err)

	th := thread.New("test")

	h := &harness{
		t:      t,
		thread: th,
		dev:    dev,
		rec:    rec,
	}

	h.run(func() {
		h.ch, err = bdev.Open(dev, th)
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.run(func() {
			_ = h.ch.Close()
		})
		th.Stop()
		_ = dev.Close()
	})

	return h
}

// run executes fn on the harness thread and waits for it.
func (h *harness) run(fn func()) {
	h.t.Helper()

	done := make(chan struct{})
	require.NoError(h.t, h.thread.Send(func() {
		defer close(done)
		fn()
	}))

	select {
	case <-done:
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for the thread")
	}
}

// submit starts an IO on the harness thread. The channel receives the outcome once it completes.
func (h *harness) submit(typ bdev.IOType, lba, n uint64, iovs [][]byte) (<-chan bool, error) {
	h.t.Helper()

	result := make(chan bool, 1)

	var err error
	h.run(func() {
		io := bdev.NewIO(context.Background(), typ, lba, n, iovs, func(_ *bdev.IO, success bool) {
			result <- success
		})
		err = h.ch.Submit(io)
	})

	return result, err
}

func (h *harness) wait(result <-chan bool) bool {
	h.t.Helper()

	select {
	case ok := <-result:
		return ok
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for io completion")

		return false
	}
}

func (h *harness) write(lba uint64, data []byte, iovs ...[][]byte) bool {
	h.t.Helper()

	bufs := [][]byte{data}
	if len(iovs) > 0 {
		bufs = iovs[0]
	}

	result, err := h.submit(bdev.IOTypeWrite, lba, uint64(len(data))/LogicalBlockSize, bufs)
	require.NoError(h.t, err)

	return h.wait(result)
}

func (h *harness) read(lba, n uint64) []byte {
	h.t.Helper()

	buf := make([]byte, n*LogicalBlockSize)

	result, err := h.submit(bdev.IOTypeRead, lba, n, [][]byte{buf})
	require.NoError(h.t, err)
	require.True(h.t, h.wait(result))

	return buf
}

func randomBytes(seed int64, n uint64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)

	return buf
}

// splitIovs cuts buf into uneven iovecs.
func splitIovs(buf []byte, sizes ...int) [][]byte {
	var iovs [][]byte
	for _, size := range sizes {
		if size > len(buf) {
			break
		}

		iovs = append(iovs, buf[:size])
		buf = buf[size:]
	}

	if len(buf) > 0 {
		iovs = append(iovs, buf)
	}

	return iovs
}
