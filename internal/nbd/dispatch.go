package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
)

var ErrShuttingDown = errors.New("shutting down, cannot serve any new requests")

const (
	dispatchBufferSize = 4 * 1024 * 1024
	// 32MB is the maximum buffer size for a single request that should be universally supported.
	dispatchMaxWriteBufferSize = 32 * 1024 * 1024

	requestHeaderSize  = 28
	responseHeaderSize = 16
)

const (
	NBDCmdRead       = 0
	NBDCmdWrite      = 1
	NBDCmdDisconnect = 2
	NBDCmdFlush      = 3
	NBDCmdTrim       = 4
)

const (
	NBDRequestMagic  = 0x25609513
	NBDResponseMagic = 0x67446698
)

type Request struct {
	Magic  uint32
	Type   uint32
	Handle uint64
	From   uint64
	Length uint32
}

func parseRequest(header []byte) Request {
	return Request{
		Magic:  binary.BigEndian.Uint32(header),
		Type:   binary.BigEndian.Uint32(header[4:8]),
		Handle: binary.BigEndian.Uint64(header[8:16]),
		From:   binary.BigEndian.Uint64(header[16:24]),
		Length: binary.BigEndian.Uint32(header[24:28]),
	}
}

// Dispatch serves the NBD transmission phase of one connection from a bdev channel.
// Every request is submitted on the channel's thread and answered from its completion.
type Dispatch struct {
	fp        io.ReadWriter
	ch        *bdev.Channel
	blockSize uint64
	size      uint64

	writeLock      sync.Mutex
	responseHeader []byte

	pendingResponses sync.WaitGroup
	shuttingDown     bool
	shuttingDownLock sync.Mutex
	fatal            chan error
}

func NewDispatch(fp io.ReadWriter, ch *bdev.Channel) *Dispatch {
	m := ch.Module()

	d := &Dispatch{
		fp:             fp,
		ch:             ch,
		blockSize:      m.BlockSize(),
		size:           m.BlockSize() * m.BlockCount(),
		responseHeader: make([]byte, responseHeaderSize),
		fatal:          make(chan error, 1),
	}

	binary.BigEndian.PutUint32(d.responseHeader, NBDResponseMagic)

	return d
}

// Drain stops accepting requests and waits for every pending response to be written.
func (d *Dispatch) Drain() {
	d.shuttingDownLock.Lock()
	d.shuttingDown = true
	d.shuttingDownLock.Unlock()

	d.pendingResponses.Wait()
}

func (d *Dispatch) writeResponse(respError uint32, respHandle uint64, chunk []byte) error {
	d.writeLock.Lock()
	defer d.writeLock.Unlock()

	binary.BigEndian.PutUint32(d.responseHeader[4:], respError)
	binary.BigEndian.PutUint64(d.responseHeader[8:], respHandle)

	_, err := d.fp.Write(d.responseHeader)
	if err != nil {
		return err
	}

	if len(chunk) > 0 {
		_, err = d.fp.Write(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

// Handle reads requests until the client disconnects, the context is cancelled or a response cannot be written.
func (d *Dispatch) Handle(ctx context.Context) error {
	buffer := make([]byte, dispatchBufferSize)
	wp := 0

	for {
		n, err := d.fp.Read(buffer[wp:])
		if err != nil {
			return err
		}
		wp += n

		rp := 0
		for {
			select {
			case err := <-d.fatal:
				return err
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if wp-rp < requestHeaderSize {
				break
			}

			request := parseRequest(buffer[rp : rp+requestHeaderSize])
			if request.Magic != NBDRequestMagic {
				return fmt.Errorf("received invalid magic %#x", request.Magic)
			}

			rp += requestHeaderSize

			switch request.Type {
			case NBDCmdDisconnect:
				return nil
			case NBDCmdRead:
				if err := d.cmdRead(ctx, request); err != nil {
					return err
				}
			case NBDCmdWrite:
				if request.Length > dispatchMaxWriteBufferSize {
					return fmt.Errorf("nbd write request length %d exceeds maximum %d", request.Length, dispatchMaxWriteBufferSize)
				}

				data := make([]byte, request.Length)
				copied := copy(data, buffer[rp:wp])
				rp += copied

				// The payload may be larger than what is left in the buffer.
				for copied < len(data) {
					n, err := d.fp.Read(data[copied:])
					if err != nil {
						return fmt.Errorf("nbd write read error: %w", err)
					}

					copied += n
				}

				if err := d.cmdWrite(ctx, request, data); err != nil {
					return err
				}
			case NBDCmdFlush:
				if err := d.cmdFlush(ctx, request); err != nil {
					return err
				}
			case NBDCmdTrim:
				// Nothing to discard on a sector translation layer.
				if err := d.writeResponse(0, request.Handle, nil); err != nil {
					return err
				}
			default:
				return fmt.Errorf("nbd command %d not implemented", request.Type)
			}
		}

		if rp != 0 && rp != wp {
			copy(buffer, buffer[rp:wp])
		}
		wp -= rp
	}
}

// check returns the NBD error for a request that cannot be submitted, or 0.
func (d *Dispatch) check(request Request) uint32 {
	if request.From%d.blockSize != 0 || uint64(request.Length)%d.blockSize != 0 || request.Length == 0 {
		return uint32(unix.EINVAL)
	}

	if end := request.From + uint64(request.Length); end < request.From || end > d.size {
		if request.Type == NBDCmdWrite {
			return uint32(unix.ENOSPC)
		}

		return uint32(unix.EINVAL)
	}

	return 0
}

func (d *Dispatch) begin() error {
	d.shuttingDownLock.Lock()
	defer d.shuttingDownLock.Unlock()

	if d.shuttingDown {
		return ErrShuttingDown
	}

	d.pendingResponses.Add(1)

	return nil
}

// respond runs perform in the background and reports a failed response write as fatal.
func (d *Dispatch) respond(ctx context.Context, request Request, perform func() error) {
	go func() {
		defer d.pendingResponses.Done()

		err := perform()
		if err == nil {
			return
		}

		select {
		case d.fatal <- err:
		default:
			logger.L().Error(ctx, "nbd error writing response",
				zap.Uint32("command", request.Type),
				zap.Uint64("handle", request.Handle),
				zap.Error(err),
			)
		}
	}()
}

func (d *Dispatch) cmdRead(ctx context.Context, request Request) error {
	if err := d.begin(); err != nil {
		return err
	}

	d.respond(ctx, request, func() error {
		if code := d.check(request); code != 0 {
			return d.writeResponse(code, request.Handle, nil)
		}

		data := make([]byte, request.Length)

		errchan := d.submit(ctx, bdev.IOTypeRead, request.From, data)

		select {
		case <-ctx.Done():
			return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
		case err := <-errchan:
			if err != nil {
				return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
			}
		}

		return d.writeResponse(0, request.Handle, data)
	})

	return nil
}

func (d *Dispatch) cmdWrite(ctx context.Context, request Request, data []byte) error {
	if err := d.begin(); err != nil {
		return err
	}

	d.respond(ctx, request, func() error {
		if code := d.check(request); code != 0 {
			return d.writeResponse(code, request.Handle, nil)
		}

		errchan := d.submit(ctx, bdev.IOTypeWrite, request.From, data)

		select {
		case <-ctx.Done():
			return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
		case err := <-errchan:
			if err != nil {
				return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
			}
		}

		return d.writeResponse(0, request.Handle, nil)
	})

	return nil
}

func (d *Dispatch) cmdFlush(ctx context.Context, request Request) error {
	if err := d.begin(); err != nil {
		return err
	}

	d.respond(ctx, request, func() error {
		errchan := d.submit(ctx, bdev.IOTypeFlush, 0, nil)

		select {
		case <-ctx.Done():
			return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
		case err := <-errchan:
			if err != nil {
				return d.writeResponse(uint32(unix.EIO), request.Handle, nil)
			}
		}

		return d.writeResponse(0, request.Handle, nil)
	})

	return nil
}

// submit starts an IO on the channel's thread. The returned channel receives its outcome.
func (d *Dispatch) submit(ctx context.Context, typ bdev.IOType, from uint64, data []byte) <-chan error {
	return submitIO(ctx, d.ch, typ, from/d.blockSize, uint64(len(data))/d.blockSize, data)
}

// ErrIOFailed is reported for IOs that completed unsuccessfully.
var ErrIOFailed = errors.New("io failed")

func submitIO(ctx context.Context, ch *bdev.Channel, typ bdev.IOType, offsetBlocks, numBlocks uint64, data []byte) <-chan error {
	// buffered to avoid goroutine leak
	errchan := make(chan error, 1)

	var iovs [][]byte
	if len(data) > 0 {
		iovs = [][]byte{data}
	}

	err := ch.Thread().Send(func() {
		req := bdev.NewIO(ctx, typ, offsetBlocks, numBlocks, iovs, func(done *bdev.IO, success bool) {
			if !success {
				errchan <- errors.Join(ErrIOFailed, done.Err())

				return
			}

			errchan <- nil
		})

		if err := ch.Submit(req); err != nil {
			errchan <- err
		}
	})
	if err != nil {
		errchan <- err
	}

	return errchan
}
