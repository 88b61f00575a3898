package emulator

import (
	"fmt"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

// Device presents a physical device with large native blocks as a device with 512 byte blocks.
type Device struct {
	name       string
	base       physical.Device
	scaling    uint64
	blockCount uint64
	metrics    metrics.Metrics

	// busy is only touched through Guard.
	busy atomic.Bool
}

var _ bdev.Module = (*Device)(nil)

type Option func(*Device)

func WithMetrics(m metrics.Metrics) Option {
	return func(d *Device) {
		d.metrics = m
	}
}

// New takes ownership of base; closing the Device closes it.
func New(base physical.Device, name string, opts ...Option) (*Device, error) {
	scaling, err := Scaling(base.BlockSize())
	if err != nil {
		return nil, err
	}

	d := &Device{
		name:       name,
		base:       base,
		scaling:    scaling,
		blockCount: base.BlockCount() * scaling,
		metrics:    metrics.Noop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Scaling returns how many logical blocks fit in one physical block of physicalBlockSize bytes.
func Scaling(physicalBlockSize uint64) (uint64, error) {
	if physicalBlockSize%LogicalBlockSize != 0 {
		return 0, ValidationError{Reason: fmt.Sprintf("physical block size %d is not a multiple of %d", physicalBlockSize, LogicalBlockSize)}
	}

	scaling := physicalBlockSize / LogicalBlockSize
	if scaling <= 1 {
		return 0, ValidationError{Reason: fmt.Sprintf("physical block size %d does not need emulation", physicalBlockSize)}
	}

	return scaling, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) BlockSize() uint64 {
	return LogicalBlockSize
}

func (d *Device) BlockCount() uint64 {
	return d.blockCount
}

func (d *Device) Scaling() uint64 {
	return d.scaling
}

func (d *Device) Base() physical.Device {
	return d.base
}

func (d *Device) IOTypeSupported(t bdev.IOType) bool {
	switch t {
	case bdev.IOTypeRead, bdev.IOTypeWrite, bdev.IOTypeFlush:
		return true
	default:
		return false
	}
}

func (d *Device) Channel(t *thread.Thread) (bdev.ModuleChannel, error) {
	phys, err := d.base.Channel(t)
	if err != nil {
		return nil, fmt.Errorf("failed to get physical channel of %s: %w", d.base.Name(), err)
	}

	return &Channel{
		dev:  d,
		phys: phys,
	}, nil
}

func (d *Device) Close() error {
	return d.base.Close()
}

func (d *Device) validate(io *bdev.IO) error {
	if io.Type == bdev.IOTypeFlush {
		return nil
	}

	if io.NumBlocks == 0 {
		return ValidationError{Reason: "empty request"}
	}

	end := io.OffsetBlocks + io.NumBlocks
	if end < io.OffsetBlocks || end > d.blockCount {
		return ValidationError{Reason: fmt.Sprintf("range [%d, %d) exceeds %d blocks", io.OffsetBlocks, end, d.blockCount)}
	}

	if n := io.IovLen(); n != io.NumBlocks*LogicalBlockSize {
		return ValidationError{Reason: fmt.Sprintf("iovecs hold %d bytes, request needs %d", n, io.NumBlocks*LogicalBlockSize)}
	}

	return nil
}
