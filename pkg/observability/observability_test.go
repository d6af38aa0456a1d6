package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	// none of these may panic when telemetry is off
	_, span := p.StartSpan(ctx, "role.step")
	span.End()
	p.RecordStep(ctx, "Strategist")
	p.RecordError(ctx, "Strategist", errors.New("x"))
	p.RecordStepDuration(ctx, "Strategist", 250*time.Millisecond)
	p.SessionStarted(ctx)
	p.SessionEnded(ctx)

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "keel", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}
