package logger

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	DeviceContextKey     contextKey = "device.name"
	ConnectionContextKey contextKey = "connection.id"
)

func WithDeviceContext(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, DeviceContextKey, name)
}

func WithConnectionContext(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionContextKey, connectionID)
}

func GetDevice(ctx context.Context) *string {
	if ctx.Value(DeviceContextKey) == nil {
		return nil
	}

	value := ctx.Value(DeviceContextKey).(string)

	return &value
}

func GetConnectionID(ctx context.Context) *string {
	if ctx.Value(ConnectionContextKey) == nil {
		return nil
	}

	value := ctx.Value(ConnectionContextKey).(string)

	return &value
}

func WithDevice(name string) zap.Field {
	return zap.String("device.name", name)
}

func WithBaseDevice(name string) zap.Field {
	return zap.String("device.base", name)
}

func WithConnectionID(id string) zap.Field {
	return zap.String("connection.id", id)
}

func WithLBA(lba uint64) zap.Field {
	return zap.Uint64("lba", lba)
}

func WithBlocks(blocks uint64) zap.Field {
	return zap.Uint64("blocks", blocks)
}

func FieldsFromContext(ctx context.Context) []zap.Field {
	var attrs []zap.Field

	if ctx == nil {
		return attrs
	}

	if device := GetDevice(ctx); device != nil {
		attrs = append(attrs, WithDevice(*device))
	}

	if connectionID := GetConnectionID(ctx); connectionID != nil {
		attrs = append(attrs, WithConnectionID(*connectionID))
	}

	return attrs
}
