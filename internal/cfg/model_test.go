package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env, which may cause issues
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, []DevicePair{{Base: "base0", Virtual: "emu0"}}, config.Devices)
		assert.Equal(t, uint64(4096), config.PhysicalBlockSize)
		assert.Equal(t, int64(128), config.QueueDepth)
		assert.Equal(t, time.Millisecond, config.BdevNomemRetryInterval)
		assert.Equal(t, "tcp", config.ExportNetwork)
		assert.False(t, config.KernelNBD)
		assert.True(t, config.IsLocal())
		require.NoError(t, config.Validate())
	})

	t.Run("device lists", func(t *testing.T) {
		t.Setenv("DEVICES", "nvme0=emu0,nvme1=emu1")
		t.Setenv("BASE_DEVICES", "nvme0:/tmp/a.img,nvme1:/tmp/b.img")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, []DevicePair{{"nvme0", "emu0"}, {"nvme1", "emu1"}}, config.Devices)
		assert.Equal(t, []BaseDevice{{"nvme0", "/tmp/a.img"}, {"nvme1", "/tmp/b.img"}}, config.BaseDevices)
	})

	t.Run("malformed device pair", func(t *testing.T) {
		t.Setenv("DEVICES", "nvme0")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("base device size", func(t *testing.T) {
		t.Setenv("BASE_DEVICE_SIZE", "1MiB")
		t.Setenv("PHYSICAL_BLOCK_SIZE", "8192")

		config, err := Parse()
		require.NoError(t, err)

		blocks, err := config.BaseDeviceBlocks()
		require.NoError(t, err)
		assert.Equal(t, uint64(128), blocks)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Config{
		BaseDevices:            []BaseDevice{{"base0", "/tmp/base0"}},
		BaseDeviceSize:         "64MiB",
		BdevNomemRetryInterval: time.Millisecond,
		Devices:                []DevicePair{{"base0", "emu0"}},
		ExportNetwork:          "unix",
		PhysicalBlockSize:      4096,
		QueueDepth:             1,
	}
	require.NoError(t, valid.Validate())

	shared := valid
	shared.Devices = []DevicePair{{"base0", "emu0"}, {"base0", "emu1"}}
	require.ErrorContains(t, shared.Validate(), `base device "base0" already carries "emu0"`)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"logical sized physical block", func(c *Config) { c.PhysicalBlockSize = 512 }},
		{"odd physical block", func(c *Config) { c.PhysicalBlockSize = 1000 }},
		{"no queue depth", func(c *Config) { c.QueueDepth = 0 }},
		{"no retry interval", func(c *Config) { c.BdevNomemRetryInterval = 0 }},
		{"unknown network", func(c *Config) { c.ExportNetwork = "udp" }},
		{"duplicate virtual", func(c *Config) { c.Devices = append(c.Devices, DevicePair{"base1", "emu0"}) }},
		{"two virtuals on one base", func(c *Config) { c.Devices = append(c.Devices, DevicePair{"base0", "emu1"}) }},
		{"duplicate base", func(c *Config) { c.BaseDevices = append(c.BaseDevices, BaseDevice{"base0", "/tmp/x"}) }},
		{"size not a block multiple", func(c *Config) { c.BaseDeviceSize = "1000" }},
		{"unparseable size", func(c *Config) { c.BaseDeviceSize = "lots" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid
			c.Devices = append([]DevicePair(nil), valid.Devices...)
			c.BaseDevices = append([]BaseDevice(nil), valid.BaseDevices...)
			tt.mutate(&c)

			require.Error(t, c.Validate())
		})
	}
}
