package server

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
	"github.com/e2b-dev/infra/packages/emu512/internal/cfg"
	"github.com/e2b-dev/infra/packages/emu512/internal/metrics"
)

func testConfig(dir string) cfg.Config {
	return cfg.Config{
		BaseDevices: []cfg.BaseDevice{
			{Name: "base0", Path: filepath.Join(dir, "base0.img")},
			{Name: "base1", Path: filepath.Join(dir, "base1.img")},
		},
		BaseDeviceSize:         "64KiB",
		BdevNomemRetryInterval: time.Millisecond,
		Devices: []cfg.DevicePair{
			{Base: "base0", Virtual: "emu0"},
			{Base: "base1", Virtual: "emu1"},
		},
		ExportNetwork:     "tcp",
		PhysicalBlockSize: 4096,
		QueueDepth:        8,
	}
}

func TestServerExportsConfiguredDevices(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(ctx, testConfig(t.TempDir()), metrics.Noop())
	t.Cleanup(func() { _ = s.Close(ctx) })

	require.NoError(t, s.Start(ctx))

	exports := s.Exports()
	require.Len(t, exports, 2)
	assert.Equal(t, "emu0", exports[0].Name)
	assert.Equal(t, "emu1", exports[1].Name)

	size, err := exports[0].Backend.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024), size)

	data := bytes.Repeat([]byte{0x42}, 3*512)
	_, err = exports[0].Backend.WriteAt(data, 5*512)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = exports[0].Backend.ReadAt(got, 5*512)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, exports[0].Backend.Sync())

	m, ok := s.Registry().Get("emu1")
	require.True(t, ok)
	assert.Equal(t, uint64(128), m.BlockCount())
}

func TestServerPersistsAcrossRestarts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	config := testConfig(t.TempDir())

	first := New(ctx, config, metrics.Noop())
	require.NoError(t, first.Start(ctx))

	data := bytes.Repeat([]byte{0x99}, 512)
	_, err := first.Exports()[1].Backend.WriteAt(data, 9*512)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	content, err := os.ReadFile(config.BaseDevices[1].Path)
	require.NoError(t, err)
	assert.Equal(t, data, content[9*512:10*512])

	second := New(ctx, config, metrics.Noop())
	t.Cleanup(func() { _ = second.Close(ctx) })
	require.NoError(t, second.Start(ctx))

	got := make([]byte, 512)
	_, err = second.Exports()[1].Backend.ReadAt(got, 9*512)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServerRemoveDetaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(ctx, testConfig(t.TempDir()), metrics.Noop())
	t.Cleanup(func() { _ = s.Close(ctx) })

	require.NoError(t, s.Start(ctx))

	_, ok := s.Channel("emu0")
	require.True(t, ok)

	require.NoError(t, s.Registry().Remove(ctx, "emu0"))

	_, ok = s.Channel("emu0")
	assert.False(t, ok)
	require.Len(t, s.Exports(), 1)
	assert.Equal(t, "emu1", s.Exports()[0].Name)
}

func TestServerRejectsMismatchedBaseFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	config := testConfig(t.TempDir())
	require.NoError(t, os.WriteFile(config.BaseDevices[0].Path, make([]byte, 1000), 0o644))

	s := New(ctx, config, metrics.Noop())
	t.Cleanup(func() { _ = s.Close(ctx) })

	require.Error(t, s.Start(ctx))
}

func TestServerRejectsSharedBase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	config := testConfig(t.TempDir())
	config.Devices = append(config.Devices, cfg.DevicePair{Base: "base0", Virtual: "emu2"})

	s := New(ctx, config, metrics.Noop())
	t.Cleanup(func() { _ = s.Close(ctx) })

	var claimed bdev.BaseClaimedError
	require.ErrorAs(t, s.Start(ctx), &claimed)
	assert.Equal(t, "emu0", claimed.Owner)

	_, ok := s.Registry().Get("emu2")
	assert.False(t, ok)
}
