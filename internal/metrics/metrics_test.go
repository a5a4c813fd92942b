package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/rules-engine/ocr-service/internal/breaker"
)

func TestObserveBreakerGaugeEncoding(t *testing.T) {
	m := New(prometheus.NewRegistry())
	obs := m.ObserveBreaker()

	obs(breaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))

	obs(breaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips), "opening the breaker counts as a trip")

	obs(breaker.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))

	obs(breaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips), "recovery is not a trip")
}
