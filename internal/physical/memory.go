package physical

import (
	"fmt"
	"sync"

	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

const DefaultQueueDepth = 128

// Memory is a RAM backed device.
type Memory struct {
	name       string
	blockSize  uint64
	blockCount uint64
	queueDepth int64

	mu   sync.RWMutex
	data []byte
}

var _ Device = (*Memory)(nil)

func NewMemory(name string, blockSize, blockCount uint64) *Memory {
	return &Memory{
		name:       name,
		blockSize:  blockSize,
		blockCount: blockCount,
		queueDepth: DefaultQueueDepth,
		data:       make([]byte, blockSize*blockCount),
	}
}

// NewMemoryFromData wraps data, which must be a whole number of blocks.
func NewMemoryFromData(name string, blockSize uint64, data []byte) (*Memory, error) {
	if blockSize == 0 || uint64(len(data))%blockSize != 0 {
		return nil, fmt.Errorf("data of %d bytes is not a multiple of block size %d", len(data), blockSize)
	}

	return &Memory{
		name:       name,
		blockSize:  blockSize,
		blockCount: uint64(len(data)) / blockSize,
		queueDepth: DefaultQueueDepth,
		data:       data,
	}, nil
}

func (m *Memory) SetQueueDepth(depth int64) {
	m.queueDepth = depth
}

func (m *Memory) Name() string {
	return m.name
}

func (m *Memory) BlockSize() uint64 {
	return m.blockSize
}

func (m *Memory) BlockCount() uint64 {
	return m.blockCount
}

func (m *Memory) Channel(t *thread.Thread) (Channel, error) {
	return newAsyncChannel(m.name, m.blockSize, m.blockCount, m, t, m.queueDepth), nil
}

// Bytes returns a copy of the device content.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)

	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = nil

	return nil
}

func (m *Memory) readAt(p []byte, off int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("read past end of memory device %s", m.name)
	}

	copy(p, m.data[off:])

	return nil
}

func (m *Memory) writeAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("write past end of memory device %s", m.name)
	}

	copy(m.data[off:], p)

	return nil
}

func (m *Memory) sync() error {
	return nil
}
