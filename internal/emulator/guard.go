package emulator

import (
	"context"
	"sync/atomic"

	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
)

// Guard is the token of an acquired device guard. At most one exists per device at a time.
type Guard struct {
	dev      *Device
	released atomic.Bool
}

func (d *Device) tryAcquire() (*Guard, bool) {
	if d.busy.Swap(true) {
		return nil, false
	}

	return &Guard{dev: d}, true
}

// Release frees the device guard. Only the first call has an effect.
func (g *Guard) Release() {
	if g.released.Swap(true) {
		logger.L().Error(context.Background(), "device guard released twice", logger.WithDevice(g.dev.name))

		return
	}

	g.dev.busy.Store(false)
}
