package cfg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

const logicalBlockSize = 512

// DevicePair names a virtual device and the physical device it is built on.
type DevicePair struct {
	Base    string
	Virtual string
}

func (p *DevicePair) UnmarshalText(text []byte) error {
	base, virtual, ok := strings.Cut(string(text), "=")
	if !ok || base == "" || virtual == "" {
		return fmt.Errorf("invalid device pair %q, expected base=virtual", text)
	}

	p.Base, p.Virtual = base, virtual

	return nil
}

// BaseDevice is a backing file opened as a physical device.
type BaseDevice struct {
	Name string
	Path string
}

func (d *BaseDevice) UnmarshalText(text []byte) error {
	name, path, ok := strings.Cut(string(text), ":")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("invalid base device %q, expected name:path", text)
	}

	d.Name, d.Path = name, path

	return nil
}

type Config struct {
	BaseDevices            []BaseDevice  `env:"BASE_DEVICES"              envDefault:"base0:/var/lib/emu512/base0.img"`
	BaseDeviceSize         string        `env:"BASE_DEVICE_SIZE"          envDefault:"64MiB"`
	BdevNomemRetryInterval time.Duration `env:"BDEV_NOMEM_RETRY_INTERVAL" envDefault:"1ms"`
	Debug                  bool          `env:"DEBUG"`
	Devices                []DevicePair  `env:"DEVICES"                   envDefault:"base0=emu0"`
	Environment            string        `env:"ENVIRONMENT"               envDefault:"local"`
	ExportAddress          string        `env:"EXPORT_ADDRESS"            envDefault:"127.0.0.1:10809"`
	ExportNetwork          string        `env:"EXPORT_NETWORK"            envDefault:"tcp"`
	KernelNBD              bool          `env:"KERNEL_NBD"`
	OTELCollectorEndpoint  string        `env:"OTEL_COLLECTOR_GRPC_ENDPOINT"`
	PhysicalBlockSize      uint64        `env:"PHYSICAL_BLOCK_SIZE"       envDefault:"4096"`
	QueueDepth             int64         `env:"QUEUE_DEPTH"               envDefault:"128"`
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}

func (c Config) IsLocal() bool {
	return c.Environment == "local"
}

// BaseDeviceBlocks is the number of physical blocks of a newly created backing file.
func (c Config) BaseDeviceBlocks() (uint64, error) {
	size, err := humanize.ParseBytes(c.BaseDeviceSize)
	if err != nil {
		return 0, fmt.Errorf("invalid BASE_DEVICE_SIZE: %w", err)
	}

	if size == 0 || size%c.PhysicalBlockSize != 0 {
		return 0, fmt.Errorf("BASE_DEVICE_SIZE %s is not a positive multiple of the %d byte physical block size", c.BaseDeviceSize, c.PhysicalBlockSize)
	}

	return size / c.PhysicalBlockSize, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.PhysicalBlockSize <= logicalBlockSize || c.PhysicalBlockSize%logicalBlockSize != 0 {
		errs = append(errs, fmt.Errorf("PHYSICAL_BLOCK_SIZE %d must be a multiple of %d larger than it", c.PhysicalBlockSize, logicalBlockSize))
	}

	if c.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_DEPTH %d must be positive", c.QueueDepth))
	}

	if c.BdevNomemRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("BDEV_NOMEM_RETRY_INTERVAL %s must be positive", c.BdevNomemRetryInterval))
	}

	switch c.ExportNetwork {
	case "tcp", "unix":
	default:
		errs = append(errs, fmt.Errorf("EXPORT_NETWORK %q must be tcp or unix", c.ExportNetwork))
	}

	bases := make(map[string]bool, len(c.BaseDevices))
	for _, b := range c.BaseDevices {
		if bases[b.Name] {
			errs = append(errs, fmt.Errorf("base device %q listed twice", b.Name))
		}
		bases[b.Name] = true
	}

	virtuals := make(map[string]bool, len(c.Devices))
	owners := make(map[string]string, len(c.Devices))
	for _, d := range c.Devices {
		if virtuals[d.Virtual] {
			errs = append(errs, fmt.Errorf("virtual device %q listed twice", d.Virtual))
		}
		virtuals[d.Virtual] = true

		if owner, ok := owners[d.Base]; ok {
			errs = append(errs, fmt.Errorf("base device %q already carries %q, cannot add %q", d.Base, owner, d.Virtual))

			continue
		}
		owners[d.Base] = d.Virtual
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if _, err := c.BaseDeviceBlocks(); err != nil {
		return err
	}

	return nil
}
