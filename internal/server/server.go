package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	gonbd "github.com/pojntfx/go-nbd/pkg/server"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/cfg"
	"github.com/e2b-dev/infra/packages/emu512/internal/emulator"
	"github.com/e2b-dev/infra/packages/emu512/internal/logger"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
	"github.com/e2b-dev/infra/packages/emu512/internal/nbd"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

const drainTimeout = 10 * time.Second

// attachment is a virtual device with its own thread, channel and frontends.
type attachment struct {
	id      string
	module  bdev.Module
	thread  *thread.Thread
	ch      *bdev.Channel
	backend *nbd.ChannelBackend
	mount   *nbd.DirectPathMount
	cancel  context.CancelFunc
}

// Server builds virtual devices from the configuration and exposes them over NBD.
type Server struct {
	ctx     context.Context //nolint:containedctx // registry hooks take no context
	config  cfg.Config
	metrics metrics.Metrics

	registry *bdev.Registry

	mu          sync.Mutex
	attachments map[string]*attachment
}

func New(ctx context.Context, config cfg.Config, m metrics.Metrics) *Server {
	s := &Server{
		ctx:         ctx,
		config:      config,
		metrics:     m,
		attachments: make(map[string]*attachment),
	}

	s.registry = bdev.NewRegistry(s.build, bdev.RegistryHooks{
		OnCreate: s.attach,
		OnRemove: s.detach,
	})

	return s
}

func (s *Server) Registry() *bdev.Registry {
	return s.registry
}

func (s *Server) build(base physical.Device, virtual string) (bdev.Module, error) {
	return emulator.New(base, virtual, emulator.WithMetrics(s.metrics))
}

// Start registers the configured device pairs and opens their backing files.
func (s *Server) Start(ctx context.Context) error {
	for _, pair := range s.config.Devices {
		if err := s.registry.AddConfig(ctx, pair.Base, pair.Virtual); err != nil {
			return err
		}
	}

	blocks, err := s.config.BaseDeviceBlocks()
	if err != nil {
		return err
	}

	for _, base := range s.config.BaseDevices {
		dev, err := openBase(base, s.config.PhysicalBlockSize, blocks, s.config.QueueDepth)
		if err != nil {
			return err
		}

		logger.L().Info(ctx, "base device opened",
			logger.WithBaseDevice(base.Name),
			zap.String("path", base.Path),
			zap.String("size", humanize.IBytes(dev.BlockSize()*dev.BlockCount())),
		)

		if err := s.registry.RegisterBase(ctx, dev); err != nil {
			return err
		}
	}

	return nil
}

func openBase(base cfg.BaseDevice, blockSize, blocks uint64, queueDepth int64) (*physical.File, error) {
	_, err := os.Stat(base.Path)
	if errors.Is(err, os.ErrNotExist) {
		return physical.Create(base.Name, base.Path, blockSize, blocks, queueDepth)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", base.Path, err)
	}

	return physical.Open(base.Name, base.Path, blockSize, queueDepth)
}

func (s *Server) attach(m bdev.Module) {
	ctx := logger.WithDeviceContext(s.ctx, m.Name())

	a, err := s.open(ctx, m)
	if err != nil {
		logger.L().Error(ctx, "failed to attach virtual device", zap.Error(err))

		return
	}

	if s.config.KernelNBD {
		a.mount = nbd.NewDirectPathMount(a.ch)

		idx, err := a.mount.Open(ctx)
		if err != nil {
			logger.L().Error(ctx, "failed to attach kernel nbd device", zap.Error(err))
			a.mount = nil
		} else {
			logger.L().Info(ctx, "virtual device attached to kernel", zap.Uint32("nbd_index", idx))
		}
	}

	s.mu.Lock()
	s.attachments[m.Name()] = a
	s.mu.Unlock()

	logger.L().Info(ctx, "virtual device attached", zap.String("attachment_id", a.id))
}

func (s *Server) open(ctx context.Context, m bdev.Module) (*attachment, error) {
	t := thread.New(m.Name())

	var ch *bdev.Channel

	err := onThread(t, func() (err error) {
		ch, err = bdev.Open(m, t, bdev.WithNomemRetryInterval(s.config.BdevNomemRetryInterval))

		return err
	})
	if err != nil {
		t.Stop()

		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	return &attachment{
		id:      uuid.NewString(),
		module:  m,
		thread:  t,
		ch:      ch,
		backend: nbd.NewChannelBackend(ctx, ch),
		cancel:  cancel,
	}, nil
}

func (s *Server) detach(m bdev.Module) {
	s.mu.Lock()
	a, ok := s.attachments[m.Name()]
	delete(s.attachments, m.Name())
	s.mu.Unlock()

	if !ok {
		return
	}

	ctx := logger.WithDeviceContext(s.ctx, m.Name())

	if a.mount != nil {
		if err := a.mount.Close(); err != nil {
			logger.L().Warn(ctx, "failed to detach kernel nbd device", zap.Error(err))
		}
	}

	a.cancel()

	if err := a.drain(); err != nil {
		logger.L().Warn(ctx, "closing virtual device with IOs in flight", zap.Error(err))
	}

	if err := onThread(a.thread, a.ch.Close); err != nil {
		logger.L().Warn(ctx, "failed to close bdev channel", zap.Error(err))
	}

	a.thread.Stop()

	logger.L().Info(ctx, "virtual device detached", zap.String("attachment_id", a.id))
}

// drain waits for the channel to have no outstanding IOs.
func (a *attachment) drain() error {
	deadline := time.Now().Add(drainTimeout)

	for {
		var outstanding int
		if err := onThread(a.thread, func() error {
			outstanding = a.ch.Outstanding()

			return nil
		}); err != nil {
			return err
		}

		if outstanding == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%d IOs still outstanding after %s", outstanding, drainTimeout)
		}

		time.Sleep(time.Millisecond)
	}
}

// Channel returns the channel of an attached virtual device.
func (s *Server) Channel(name string) (*bdev.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[name]
	if !ok {
		return nil, false
	}

	return a.ch, true
}

// Exports lists the attached virtual devices by name.
func (s *Server) Exports() []*gonbd.Export {
	s.mu.Lock()
	defer s.mu.Unlock()

	exports := make([]*gonbd.Export, 0, len(s.attachments))
	for name, a := range s.attachments {
		exports = append(exports, &gonbd.Export{
			Name:        name,
			Description: fmt.Sprintf("%s, %s emulated on %s physical blocks", name, humanize.IBytes(a.module.BlockSize()*a.module.BlockCount()), humanize.IBytes(s.config.PhysicalBlockSize)),
			Backend:     a.backend,
		})
	}

	slices.SortFunc(exports, func(a, b *gonbd.Export) int {
		return strings.Compare(a.Name, b.Name)
	})

	return exports
}

// Close detaches every virtual device and closes every base device.
func (s *Server) Close(ctx context.Context) error {
	return s.registry.Close(ctx)
}

// onThread runs fn on t and waits for it.
func onThread(t *thread.Thread, fn func() error) error {
	errchan := make(chan error, 1)

	if err := t.Send(func() {
		errchan <- fn()
	}); err != nil {
		return err
	}

	return <-errchan
}
