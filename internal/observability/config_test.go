package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldEnable(t *testing.T) {
	cfg := NewConfig()
	assert.False(t, cfg.ShouldEnable())

	cfg.Exporter = "stdout"
	assert.True(t, cfg.ShouldEnable())

	cfg.Exporter = "otlp"
	assert.True(t, cfg.ShouldEnable())

	cfg.Exporter = ""
	assert.False(t, cfg.ShouldEnable())
}

func TestInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, tel.Metrics())
}

func TestInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"

	tel, cleanup, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	m := tel.Metrics()
	require.NotNil(t, m)

	// Recording must not panic on live instruments.
	m.RecordDispatch("moments", 0)
	m.RecordTransition("moments", "connected")
	m.RecordListenerPanic("moments")
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("moments", 0)
	m.RecordTransition("moments", "connected")
	m.RecordListenerPanic("moments")
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "statsd"

	_, _, err := Init(context.Background(), cfg)
	assert.Error(t, err)
}
