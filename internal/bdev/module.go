package bdev

import (
	"errors"
	"fmt"

	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

var (
	ErrChannelClosed = errors.New("bdev channel closed")
	ErrTooManyIovs   = fmt.Errorf("io has more than %d iovecs", iovMax)
)

type UnsupportedIOTypeError struct {
	Module string
	Type   IOType
}

func (e UnsupportedIOTypeError) Error() string {
	return fmt.Sprintf("bdev %s does not support %s", e.Module, e.Type)
}

// Module is a block device that accepts IOs.
type Module interface {
	Name() string
	BlockSize() uint64
	BlockCount() uint64
	IOTypeSupported(t IOType) bool
	// Channel creates the per-thread channel; all its completions run on t.
	Channel(t *thread.Thread) (ModuleChannel, error)
	Close() error
}

type ModuleChannel interface {
	// Submit starts the IO. A returned error means the IO was not started and will not be completed;
	// errors matching physical.ErrNoResources ask the caller to resubmit later.
	Submit(io *IO) error
	Close() error
}
