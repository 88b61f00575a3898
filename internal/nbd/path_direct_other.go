//go:build !linux
// +build !linux

package nbd

import (
	"context"
	"errors"

	"github.com/e2b-dev/infra/packages/emu512/internal/bdev"
)

var errUnsupportedPlatform = errors.New("platform does not support direct path mount")

type DirectPathMount struct{}

func NewDirectPathMount(*bdev.Channel) *DirectPathMount {
	return &DirectPathMount{}
}

func (d *DirectPathMount) Open(context.Context) (uint32, error) {
	return 0, errUnsupportedPlatform
}

func (d *DirectPathMount) Close() error {
	return errUnsupportedPlatform
}
