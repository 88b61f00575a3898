package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAppended(t *testing.T) { //nolint:paralleltest // replaces the global logger
	core, logs := observer.New(zapcore.DebugLevel)

	l, err := NewLogger(context.Background(), LoggerConfig{
		ServiceName: "emu512-test",
		IsDebug:     true,
		Cores:       []zapcore.Core{core},
	})
	require.NoError(t, err)

	defer ReplaceGlobals(l)()

	ctx := WithConnectionContext(WithDeviceContext(context.Background(), "emu0"), "conn-1")
	L().Debug(ctx, "hello", WithLBA(7), WithBlocks(2))

	entries := logs.FilterMessage("hello").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "emu0", fields["device.name"])
	assert.Equal(t, "conn-1", fields["connection.id"])
	assert.Equal(t, uint64(7), fields["lba"])
	assert.Equal(t, uint64(2), fields["blocks"])
	assert.Equal(t, "emu512-test", fields["service"])
}

func TestFieldsFromEmptyContext(t *testing.T) {
	t.Parallel()

	assert.Empty(t, FieldsFromContext(context.Background()))
	assert.Nil(t, GetDevice(context.Background()))
}

func TestReplaceGlobalsRestores(t *testing.T) { //nolint:paralleltest // replaces the global logger
	before := L()

	undo := ReplaceGlobals(zap.NewNop())
	assert.NotSame(t, before, L())

	undo()
	assert.Same(t, before, L())
}
