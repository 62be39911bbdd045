package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{Enabled: false})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.Nil(t, p.LoggerProvider())
	assert.Equal(t, noop.Meter{}, p.Meter("x"))
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledWithoutSinks(t *testing.T) {
	_, err := New(Config{Enabled: true, ServiceName: "worldsync"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log writer or endpoint")
}

func TestNew_EnabledWithWriter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{
		Enabled:      true,
		ServiceName:  "worldsync-test",
		BatchTimeout: time.Second,
		LogWriter:    &buf,
	})
	require.NoError(t, err)

	assert.True(t, p.Enabled())
	assert.NotNil(t, p.LoggerProvider())

	counter, err := p.Meter("test").Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	ctx := context.Background()
	require.NoError(t, p.Flush(ctx))
	require.NoError(t, p.Shutdown(ctx))
	assert.Contains(t, buf.String(), "test.counter")
}
