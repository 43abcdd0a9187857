package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Panic("tls")
	m.Consumed("tls", 10)
	m.Consumed("tls", 0)
	m.Dispatched()
	m.Packet("TCP")
	m.Dropped(5)
	m.Sessions(3)
	m.Eviction("sessions").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerPanics.WithLabelValues("tls")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.BytesConsumed.WithLabelValues("tls")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSessions))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Panic("x")
		m.Consumed("x", 1)
		m.Dispatched()
		m.Packet("UDP")
		m.Dropped(1)
		m.Sessions(1)
	})
	assert.Nil(t, m.Eviction("x"))
}
