package events

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TypedAndGlobalSubscribers(t *testing.T) {
	bus := NewBus()
	var typed, global int
	bus.Subscribe(TypeAnomaly, func(*Event) { typed++ })
	bus.SubscribeAll(func(*Event) { global++ })

	bus.Emit(TypeAnomaly, 1, time.Now(), &Anomaly{Message: "x"})
	bus.Emit(TypeDNSRecord, 2, time.Now(), &DNSRecord{Name: "a"})

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, global)
}

func TestBus_NilSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Emit(TypeAnomaly, 0, time.Time{}, nil) })
}

func TestBus_Counter(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_events_total"}, []string{"type"})
	bus := NewBus().WithCounter(counter)
	bus.Emit(TypeCredential, 0, time.Now(), &Credential{})
	bus.Emit(TypeCredential, 0, time.Now(), &Credential{})
	assert.Equal(t, 2.0, testutil.ToFloat64(counter.WithLabelValues(string(TypeCredential))))
}

func TestRecorder(t *testing.T) {
	bus := NewBus()
	rec := NewRecorder(bus)
	bus.Emit(TypeParameters, 3, time.Now(), &Parameters{Label: "HTTP Cookie", Params: []NameValue{{"a", "1"}}})
	bus.Emit(TypeParameters, 4, time.Now(), &Parameters{Label: "other"})
	bus.Emit(TypeAnomaly, 5, time.Now(), &Anomaly{Message: "bad"})

	params := rec.Parameters("HTTP Cookie")
	require.Len(t, params, 1)
	v, ok := params[0].Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = params[0].Get("b")
	assert.False(t, ok)

	assert.Len(t, rec.Anomalies(), 1)
	assert.Len(t, rec.All(), 3)
	rec.Reset()
	assert.Empty(t, rec.All())
}
