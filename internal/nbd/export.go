package nbd

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pojntfx/go-nbd/pkg/backend"
	"github.com/pojntfx/go-nbd/pkg/server"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
)

var ErrUnalignedAccess = errors.New("access is not aligned to the block size")

// ChannelBackend exposes a bdev channel as a synchronous go-nbd backend.
type ChannelBackend struct {
	ctx context.Context //nolint:containedctx // backend.Backend methods take no context
	ch  *bdev.Channel

	blockSize uint64
	size      int64
}

var _ backend.Backend = (*ChannelBackend)(nil)

func NewChannelBackend(ctx context.Context, ch *bdev.Channel) *ChannelBackend {
	m := ch.Module()

	return &ChannelBackend{
		ctx:       ctx,
		ch:        ch,
		blockSize: m.BlockSize(),
		size:      int64(m.BlockSize() * m.BlockCount()),
	}
}

func (b *ChannelBackend) rw(typ bdev.IOType, p []byte, off int64) (int, error) {
	if off < 0 || uint64(off)%b.blockSize != 0 || uint64(len(p))%b.blockSize != 0 {
		return 0, fmt.Errorf("%s of %d bytes at %d: %w", typ, len(p), off, ErrUnalignedAccess)
	}

	if len(p) == 0 {
		return 0, nil
	}

	errchan := submitIO(b.ctx, b.ch, typ, uint64(off)/b.blockSize, uint64(len(p))/b.blockSize, p)

	select {
	case <-b.ctx.Done():
		// p belongs to the caller again once we return, so the IO has to finish first.
		// Queued IOs are failed when the channel closes, so this does not hang.
		<-errchan

		return 0, b.ctx.Err()
	case err := <-errchan:
		if err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (b *ChannelBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.rw(bdev.IOTypeRead, p, off)
}

func (b *ChannelBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.rw(bdev.IOTypeWrite, p, off)
}

func (b *ChannelBackend) Size() (int64, error) {
	return b.size, nil
}

func (b *ChannelBackend) Sync() error {
	select {
	case <-b.ctx.Done():
		return b.ctx.Err()
	case err := <-submitIO(b.ctx, b.ch, bdev.IOTypeFlush, 0, 0, nil):
		return err
	}
}

// Export serves virtual devices to NBD clients over a listener.
type Export struct {
	listener  net.Listener
	exports   func() []*server.Export
	blockSize uint32
}

// NewExport serves whatever exports returns at the time a client connects.
func NewExport(l net.Listener, blockSize uint32, exports func() []*server.Export) *Export {
	return &Export{
		listener:  l,
		exports:   exports,
		blockSize: blockSize,
	}
}

func (e *Export) Addr() net.Addr {
	return e.listener.Addr()
}

func (e *Export) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()

		if err := e.listener.Close(); err != nil {
			logger.L().Warn(ctx, "failed to close nbd listener", zap.Error(err))
		}
	}()

	logger.L().Info(ctx, "serving nbd exports", zap.Stringer("address", e.listener.Addr()))

	for {
		conn, acceptErr := e.listener.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if errors.Is(acceptErr, net.ErrClosed) {
				return acceptErr
			}

			logger.L().Error(ctx, "failed to accept nbd connection", zap.Error(acceptErr))

			continue
		}

		go e.serve(ctx, conn)
	}
}

func (e *Export) serve(ctx context.Context, conn net.Conn) {
	ctx = logger.WithConnectionContext(ctx, conn.RemoteAddr().String())

	defer func() {
		_ = conn.Close()

		if r := recover(); r != nil {
			logger.L().Error(ctx, "recovering from nbd server panic", zap.Any("panic", r))
		}
	}()

	logger.L().Debug(ctx, "nbd client connected")

	err := server.Handle(
		conn,
		e.exports(),
		&server.Options{
			ReadOnly:           false,
			MinimumBlockSize:   e.blockSize,
			PreferredBlockSize: e.blockSize,
			MaximumBlockSize:   maxPayloadSize,
			SupportsMultiConn:  true,
		})
	if err != nil {
		logger.L().Warn(ctx, "nbd client disconnected with error", zap.Error(err))

		return
	}

	logger.L().Debug(ctx, "nbd client disconnected")
}

const maxPayloadSize = dispatchMaxWriteBufferSize
