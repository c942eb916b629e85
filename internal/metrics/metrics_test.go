package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("lookup", "ok", time.Millisecond)
		m.SetOpenHandles(3)
		m.RecordStored(10)
		m.RecordDeduplicated(10)
		m.RecordCollected(10)
		m.RecordGCRun(false)
		m.RecordHTTPRequest("/health", "200")
	})
	assert.Nil(t, m.Registry())
}

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.ObserveOperation("write", "ok", time.Millisecond)
	m.ObserveOperation("write", "ok", time.Millisecond)
	m.ObserveOperation("write", "ReadOnly", time.Millisecond)
	m.RecordStored(100)
	m.RecordDeduplicated(40)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("write", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("write", "ReadOnly")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.bytesStored))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.bytesDeduped))
}
