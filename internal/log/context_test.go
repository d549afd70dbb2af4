package log

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextWithRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-456")
	assert.Equal(t, "req-456", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(nil))
}

func TestContextWithSessionID(t *testing.T) {
	ctx := ContextWithSessionID(context.Background(), "sess-1")
	assert.Equal(t, "sess-1", SessionIDFromContext(ctx))
}

func TestRequestIDFromContextWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), requestIDKey, 123)
	assert.Equal(t, "", RequestIDFromContext(ctx))
}

func TestWithContextEnrichesFields(t *testing.T) {
	base := WithComponent("test")

	ctx := ContextWithRequestID(context.Background(), "req-123")
	ctx = ContextWithSessionID(ctx, "sess-9")
	enriched := WithContext(ctx, base)
	assert.Equal(t, base.GetLevel(), enriched.GetLevel())

	// Empty context returns an equivalent logger (no panics, same level).
	same := WithContext(context.Background(), base)
	assert.Equal(t, base.GetLevel(), same.GetLevel())
}

func TestDerive(t *testing.T) {
	l := Derive(nil)
	assert.NotNil(t, l)

	l2 := Derive(func(c *zerolog.Context) { *c = c.Str("custom", "value") })
	assert.NotNil(t, l2)
}
