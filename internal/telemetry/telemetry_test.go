package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, "tenantgate", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRatio)
	assert.Equal(t, 10*time.Second, cfg.MetricInterval)
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.sampler().Description(), "AlwaysOnSampler")
}

func TestConfig_Sampler(t *testing.T) {
	cfg := Config{SampleRatio: 0.25}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.sampler().Description(), "TraceIDRatioBased{0.25}")

	for _, ratio := range []float64{-0.1, 1.5} {
		bad := Config{SampleRatio: ratio}
		require.Error(t, bad.Validate())
	}
}

func TestConfig_ResourceAttributes(t *testing.T) {
	cfg := Config{ServiceName: "tenantgate-server", Version: "1.2.3", StoreType: "postgres"}
	attrs := attribute.NewSet(cfg.resourceAttributes()...)

	v, ok := attrs.Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "tenantgate-server", v.AsString())

	v, ok = attrs.Value("tenantgate.store")
	require.True(t, ok)
	assert.Equal(t, "postgres", v.AsString())

	noStore := attribute.NewSet((&Config{ServiceName: "x"}).resourceAttributes()...)
	_, ok = noStore.Value("tenantgate.store")
	assert.False(t, ok)
}
