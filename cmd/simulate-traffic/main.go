package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/emulator"
	"github.com/e2b-dev/infra/packages/emu512/internal/nbd"
	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
	"github.com/e2b-dev/infra/packages/emu512/internal/thread"
)

type options struct {
	path              string
	physicalBlockSize uint64
	physicalBlocks    uint64
	queueDepth        int64
	workers           int
	ops               int
	maxBlocks         uint64
	seed              int64
}

type result struct {
	reads        int64
	writes       int64
	unaligned    int64
	bytesRead    uint64
	bytesWritten uint64
	duration     time.Duration
}

func main() {
	var o options

	f := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	f.StringVar(&o.path, "path", "", "backing file, a temporary one is used when empty")
	f.Uint64Var(&o.physicalBlockSize, "physical-block-size", 4096, "native block size of the backing device")
	f.Uint64Var(&o.physicalBlocks, "physical-blocks", 4096, "size of the backing device in physical blocks")
	f.Int64Var(&o.queueDepth, "queue-depth", physical.DefaultQueueDepth, "physical queue depth")
	f.IntVar(&o.workers, "workers", 8, "concurrent workers, each owning a disjoint region")
	f.IntVar(&o.ops, "ops", 10000, "operations per worker")
	f.Uint64Var(&o.maxBlocks, "max-blocks", 64, "largest IO in logical blocks")
	f.Int64Var(&o.seed, "seed", time.Now().UnixNano(), "random seed")
	_ = f.Parse(os.Args[1:])

	if o.path == "" {
		dir, err := os.MkdirTemp("", "emu512-traffic")
		if err != nil {
			log.Fatalf("failed to create temp dir: %s", err)
		}
		defer os.RemoveAll(dir)

		o.path = filepath.Join(dir, "disk.img")
	}

	res, err := simulate(context.Background(), o)
	if err != nil {
		log.Fatalf("simulation failed (seed %d): %s", o.seed, err)
	}

	fmt.Printf("\nRESULTS\n")
	fmt.Printf("=======\n")
	fmt.Printf("Seed               %d\n", o.seed)
	fmt.Printf("Reads              %d (%s)\n", res.reads, humanize.IBytes(res.bytesRead))
	fmt.Printf("Writes             %d (%s), %d unaligned\n", res.writes, humanize.IBytes(res.bytesWritten), res.unaligned)
	fmt.Printf("Duration           %s\n", res.duration)
	fmt.Printf("Throughput         %s/s\n", humanize.IBytes(uint64(float64(res.bytesRead+res.bytesWritten)/res.duration.Seconds())))
}

func simulate(ctx context.Context, o options) (result, error) {
	base, err := physical.Create("base", o.path, o.physicalBlockSize, o.physicalBlocks, o.queueDepth)
	if err != nil {
		return result{}, err
	}

	dev, err := emulator.New(base, "emu")
	if err != nil {
		return result{}, errors.Join(err, base.Close())
	}
	defer dev.Close()

	t := thread.New("emu")
	defer t.Stop()

	opened := make(chan error, 1)

	var ch *bdev.Channel
	if err := t.Send(func() {
		ch, err = bdev.Open(dev, t)
		opened <- err
	}); err != nil {
		return result{}, err
	}

	if err := <-opened; err != nil {
		return result{}, err
	}

	defer func() {
		closed := make(chan struct{})
		if t.Send(func() {
			defer close(closed)
			_ = ch.Close()
		}) == nil {
			<-closed
		}
	}()

	backend := nbd.NewChannelBackend(ctx, ch)

	region := dev.BlockCount() / uint64(o.workers)
	if region == 0 {
		return result{}, fmt.Errorf("device of %d blocks is too small for %d workers", dev.BlockCount(), o.workers)
	}

	var res result

	start := time.Now()

	var g errgroup.Group
	for w := range o.workers {
		g.Go(func() error {
			return worker(backend, uint64(w)*region, region, o, &res, rand.New(rand.NewSource(o.seed+int64(w))))
		})
	}

	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := backend.Sync(); err != nil {
		return res, fmt.Errorf("final sync: %w", err)
	}

	res.duration = time.Since(start)

	return res, nil
}

// worker runs random traffic inside [first, first+blocks) and checks every read against a shadow copy.
func worker(b *nbd.ChannelBackend, first, blocks uint64, o options, res *result, rnd *rand.Rand) error {
	shadow := make([]byte, blocks*emulator.LogicalBlockSize)
	off := int64(first * emulator.LogicalBlockSize)

	if _, err := b.ReadAt(shadow, off); err != nil {
		return fmt.Errorf("initial read: %w", err)
	}

	scaling := o.physicalBlockSize / emulator.LogicalBlockSize

	for range o.ops {
		lba := uint64(rnd.Int63n(int64(blocks)))
		n := 1 + uint64(rnd.Int63n(int64(min(o.maxBlocks, blocks-lba))))

		start, end := lba*emulator.LogicalBlockSize, (lba+n)*emulator.LogicalBlockSize

		if rnd.Intn(2) == 0 {
			got := make([]byte, end-start)
			if _, err := b.ReadAt(got, off+int64(start)); err != nil {
				return fmt.Errorf("read [%d, %d): %w", first+lba, first+lba+n, err)
			}

			if !bytes.Equal(got, shadow[start:end]) {
				return fmt.Errorf("read [%d, %d) returned data that was never written", first+lba, first+lba+n)
			}

			atomic.AddInt64(&res.reads, 1)
			atomic.AddUint64(&res.bytesRead, end-start)

			continue
		}

		data := make([]byte, end-start)
		rnd.Read(data)

		if _, err := b.WriteAt(data, off+int64(start)); err != nil {
			return fmt.Errorf("write [%d, %d): %w", first+lba, first+lba+n, err)
		}

		copy(shadow[start:end], data)

		if (first+lba)%scaling != 0 || (first+lba+n)%scaling != 0 {
			atomic.AddInt64(&res.unaligned, 1)
		}

		atomic.AddInt64(&res.writes, 1)
		atomic.AddUint64(&res.bytesWritten, end-start)
	}

	got := make([]byte, len(shadow))
	if _, err := b.ReadAt(got, off); err != nil {
		return fmt.Errorf("final read: %w", err)
	}

	if !bytes.Equal(got, shadow) {
		return fmt.Errorf("region [%d, %d) diverged from its shadow copy", first, first+blocks)
	}

	return nil
}
