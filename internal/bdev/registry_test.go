package bdev

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

type closeTracker struct {
	*physical.Memory
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++

	return c.Memory.Close()
}

// ownerModule closes its base like a real virtual device.
type ownerModule struct {
	*fakeModule
	base physical.Device
}

func (m *ownerModule) Close() error {
	return errors.Join(m.fakeModule.Close(), m.base.Close())
}

func newTestRegistry(created, removed *[]string) *Registry {
	return NewRegistry(func(base physical.Device, virtual string) (Module, error) {
		if virtual == "broken" {
			return nil, errors.New("cannot build")
		}

		return &ownerModule{fakeModule: newFakeModule(virtual), base: base}, nil
	}, RegistryHooks{
		OnCreate: func(m Module) {
			*created = append(*created, m.Name())
		},
		OnRemove: func(m Module) {
			*removed = append(*removed, m.Name())
		},
	})
}

func TestRegistryConfigBeforeBase(t *testing.T) {
	t.Parallel()

	var created, removed []string
	r := newTestRegistry(&created, &removed)
	ctx := context.Background()

	require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))
	assert.Empty(t, created)

	_, ok := r.Get("emu0")
	assert.False(t, ok)

	require.NoError(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)))
	assert.Equal(t, []string{"emu0"}, created)

	m, ok := r.Get("emu0")
	require.True(t, ok)
	assert.Equal(t, "emu0", m.Name())
}

func TestRegistryBaseBeforeConfig(t *testing.T) {
	t.Parallel()

	var created, removed []string
	r := newTestRegistry(&created, &removed)
	ctx := context.Background()

	require.NoError(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)))
	require.NoError(t, r.RegisterBase(ctx, physical.NewMemory("nvme1", 4096, 4)))
	assert.Empty(t, created)

	require.NoError(t, r.AddConfig(ctx, "nvme1", "emu1"))
	assert.Equal(t, []string{"emu1"}, created)

	_, ok := r.Get("emu0")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	var created, removed []string
	r := newTestRegistry(&created, &removed)
	ctx := context.Background()

	require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))

	var dup DuplicateNameError
	require.ErrorAs(t, r.AddConfig(ctx, "nvme1", "emu0"), &dup)
	assert.Equal(t, "emu0", dup.Name)

	require.NoError(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)))
	require.ErrorAs(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)), &dup)
}

func TestRegistryFactoryError(t *testing.T) {
	t.Parallel()

	var created, removed []string
	r := newTestRegistry(&created, &removed)
	ctx := context.Background()

	require.NoError(t, r.AddConfig(ctx, "nvme0", "broken"))
	require.Error(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)))
	assert.Empty(t, created)

	_, ok := r.Get("broken")
	assert.False(t, ok)
}

func TestRegistryRemoveAndClose(t *testing.T) {
	t.Parallel()

	var created, removed []string
	r := newTestRegistry(&created, &removed)
	ctx := context.Background()

	claimed := &closeTracker{Memory: physical.NewMemory("nvme0", 4096, 4)}
	unclaimed := &closeTracker{Memory: physical.NewMemory("nvme1", 4096, 4)}

	require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))
	require.NoError(t, r.AddConfig(ctx, "nvme9", "emu9"))
	require.NoError(t, r.RegisterBase(ctx, claimed))
	require.NoError(t, r.RegisterBase(ctx, unclaimed))

	require.NoError(t, r.Remove(ctx, "emu0"))
	assert.Equal(t, []string{"emu0"}, removed)
	assert.Equal(t, 1, claimed.closed)

	require.ErrorIs(t, r.Remove(ctx, "emu0"), ErrNotFound)

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, 1, unclaimed.closed)
	assert.Equal(t, 1, claimed.closed)
	assert.Equal(t, []string{"emu0"}, removed)
}

func TestRegistryBaseHasOneOwner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("pending configs", func(t *testing.T) {
		t.Parallel()

		var created, removed []string
		r := newTestRegistry(&created, &removed)

		require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))

		var claimed BaseClaimedError
		require.ErrorAs(t, r.AddConfig(ctx, "nvme0", "emu1"), &claimed)
		assert.Equal(t, BaseClaimedError{Base: "nvme0", Owner: "emu0"}, claimed)

		base := &closeTracker{Memory: physical.NewMemory("nvme0", 4096, 4)}
		require.NoError(t, r.RegisterBase(ctx, base))
		assert.Equal(t, []string{"emu0"}, created)

		_, ok := r.Get("emu1")
		assert.False(t, ok)
		require.ErrorIs(t, r.Remove(ctx, "emu1"), ErrNotFound)

		require.NoError(t, r.Close(ctx))
		assert.Equal(t, 1, base.closed)
	})

	t.Run("registered base", func(t *testing.T) {
		t.Parallel()

		var created, removed []string
		r := newTestRegistry(&created, &removed)

		base := &closeTracker{Memory: physical.NewMemory("nvme0", 4096, 4)}
		require.NoError(t, r.RegisterBase(ctx, base))
		require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))

		var claimed BaseClaimedError
		require.ErrorAs(t, r.AddConfig(ctx, "nvme0", "emu1"), &claimed)
		assert.Equal(t, "emu0", claimed.Owner)
		assert.Equal(t, []string{"emu0"}, created)

		require.NoError(t, r.Remove(ctx, "emu0"))
		assert.Equal(t, 1, base.closed)

		require.NoError(t, r.Close(ctx))
		assert.Equal(t, 1, base.closed)
	})

	t.Run("claim released by removing a pending config", func(t *testing.T) {
		t.Parallel()

		var created, removed []string
		r := newTestRegistry(&created, &removed)

		require.NoError(t, r.AddConfig(ctx, "nvme0", "emu0"))
		require.NoError(t, r.Remove(ctx, "emu0"))
		require.NoError(t, r.AddConfig(ctx, "nvme0", "emu1"))

		require.NoError(t, r.RegisterBase(ctx, physical.NewMemory("nvme0", 4096, 4)))
		assert.Equal(t, []string{"emu1"}, created)
		require.NoError(t, r.Close(ctx))
	})
}
