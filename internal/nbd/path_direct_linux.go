//go:build linux
// +build linux

package nbd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/Merovius/nbd/nbdnl"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
)

const connectTimeout = 5 * time.Second

// DirectPathMount attaches a bdev channel to a kernel NBD device over a socketpair.
type DirectPathMount struct {
	ch          *bdev.Channel
	ctx         context.Context //nolint:containedctx // cancels pending submissions on Close
	cancel      context.CancelFunc
	dispatcher  *Dispatch
	conn        net.Conn
	deviceIndex uint32
	handleDone  chan error
}

func NewDirectPathMount(ch *bdev.Channel) *DirectPathMount {
	ctx, cancel := context.WithCancel(context.Background())

	return &DirectPathMount{
		ch:          ch,
		ctx:         ctx,
		cancel:      cancel,
		deviceIndex: math.MaxUint32,
		handleDone:  make(chan error, 1),
	}
}

// Open connects a free /dev/nbdX picked by the kernel and returns its index.
func (d *DirectPathMount) Open(ctx context.Context) (uint32, error) {
	m := d.ch.Module()
	size := m.BlockSize() * m.BlockCount()

	sockPair, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to create socketpair: %w", err)
	}

	client := os.NewFile(uintptr(sockPair[0]), "client")
	server := os.NewFile(uintptr(sockPair[1]), "server")

	d.conn, err = net.FileConn(server)
	server.Close()
	if err != nil {
		client.Close()

		return 0, fmt.Errorf("failed to wrap server socket: %w", err)
	}

	d.dispatcher = NewDispatch(d.conn, d.ch)

	go func() {
		handleErr := d.dispatcher.Handle(logger.WithDeviceContext(d.ctx, m.Name()))
		if handleErr != nil && !errors.Is(handleErr, context.Canceled) {
			logger.L().Error(ctx, "error handling NBD commands", logger.WithDevice(m.Name()), zap.Error(handleErr))
		}

		d.handleDone <- handleErr
	}()

	idx, err := nbdnl.Connect(
		d.deviceIndex,
		[]*os.File{client},
		size,
		0,
		nbdnl.FlagHasFlags|nbdnl.FlagSendFlush|nbdnl.FlagSendTrim,
		nbdnl.WithBlockSize(m.BlockSize()),
		nbdnl.WithTimeout(connectTimeout),
		nbdnl.WithDeadconnTimeout(connectTimeout),
	)
	// The kernel holds its own reference to the socket.
	client.Close()
	if err != nil {
		d.cancel()
		d.conn.Close()

		return 0, fmt.Errorf("failed to connect nbd device: %w", err)
	}

	d.deviceIndex = idx

	for {
		select {
		case <-ctx.Done():
			return 0, errors.Join(ctx.Err(), d.Close())
		default:
		}

		s, err := nbdnl.Status(d.deviceIndex)
		if err == nil && s.Connected {
			break
		}

		time.Sleep(time.Millisecond)
	}

	logger.L().Info(ctx, "nbd device connected",
		logger.WithDevice(m.Name()),
		zap.String("path", fmt.Sprintf("/dev/nbd%d", d.deviceIndex)),
	)

	return d.deviceIndex, nil
}

func (d *DirectPathMount) Close() error {
	var errs []error

	// Stop waiting on pending submissions, then flush the responses that are left.
	d.cancel()

	if d.dispatcher != nil {
		d.dispatcher.Drain()
	}

	if d.deviceIndex != math.MaxUint32 {
		if err := nbdnl.Disconnect(d.deviceIndex); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect nbd%d: %w", d.deviceIndex, err))
		}
	}

	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
