package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulate(t *testing.T) {
	t.Parallel()

	res, err := simulate(context.Background(), options{
		path:              filepath.Join(t.TempDir(), "disk.img"),
		physicalBlockSize: 4096,
		physicalBlocks:    64,
		queueDepth:        4,
		workers:           4,
		ops:               300,
		maxBlocks:         40,
		seed:              1,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4*300), res.reads+res.writes)
	assert.Positive(t, res.unaligned)
}
