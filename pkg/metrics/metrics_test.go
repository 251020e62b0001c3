package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func family(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not registered", name)
	return nil
}

func TestPrometheusCollector_Requests(t *testing.T) {
	c, err := NewPrometheusCollector(WithNamespace("test"), WithConstLabels(map[string]string{"client": "planets"}))
	require.NoError(t, err)

	c.RecordRequest("POST", "200", 20*time.Millisecond)
	c.RecordRequest("POST", "cache", time.Millisecond)
	c.RecordError("POST", "timeout")
	c.RecordActiveRequests("POST", 1)

	requests := family(t, c.GetRegistry(), "test_http_client_requests_total")
	assert.Len(t, requests.GetMetric(), 2)

	duration := family(t, c.GetRegistry(), "test_http_client_request_duration_seconds")
	var samples uint64
	for _, m := range duration.GetMetric() {
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(2), samples)

	errs := family(t, c.GetRegistry(), "test_http_client_errors_total")
	require.Len(t, errs.GetMetric(), 1)
	labels := map[string]string{}
	for _, lp := range errs.GetMetric()[0].GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"method": "POST", "error_type": "timeout", "client": "planets"}, labels)

	active := family(t, c.GetRegistry(), "test_http_client_active_requests")
	assert.Equal(t, 1.0, active.GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusCollector_WithoutHistogram(t *testing.T) {
	c, err := NewPrometheusCollector(WithoutHistogram(), WithoutPerMethodMetrics())
	require.NoError(t, err)

	c.RecordRequest("GET", "200", time.Millisecond)

	families, err := c.GetRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotEqual(t, "guardian_http_client_request_duration_seconds", mf.GetName())
	}

	requests := family(t, c.GetRegistry(), "guardian_http_client_requests_total")
	require.Len(t, requests.GetMetric(), 1)
	require.Len(t, requests.GetMetric()[0].GetLabel(), 1)
	assert.Equal(t, "code", requests.GetMetric()[0].GetLabel()[0].GetName())
}

func TestPrometheusCollector_Cache(t *testing.T) {
	c, err := NewPrometheusCollector(WithCacheSubsystem("responses"))
	require.NoError(t, err)

	c.RecordLookup(LookupHit)
	c.RecordLookup(LookupHit)
	c.RecordLookup(LookupMiss)
	c.RecordStoreWrite(WriteFailed)
	c.RecordFallback()
	EvictionRecorder(c)("abc", 512)
	c.SetStoreSize(2048, 3)

	lookups := family(t, c.GetRegistry(), "guardian_responses_lookups_total")
	byResult := map[string]float64{}
	for _, m := range lookups.GetMetric() {
		byResult[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{LookupHit: 2, LookupMiss: 1}, byResult)

	assert.Equal(t, 1.0, family(t, c.GetRegistry(), "guardian_responses_fallbacks_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, family(t, c.GetRegistry(), "guardian_responses_evictions_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 512.0, family(t, c.GetRegistry(), "guardian_responses_evicted_bytes_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 2048.0, family(t, c.GetRegistry(), "guardian_responses_store_bytes").GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 3.0, family(t, c.GetRegistry(), "guardian_responses_store_entries").GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusCollector_MustRegister(t *testing.T) {
	c, err := NewPrometheusCollector()
	require.NoError(t, err)

	custom := prometheus.NewCounter(prometheus.CounterOpts{Name: "custom_total", Help: "custom"})
	c.MustRegister(custom)
	custom.Inc()

	assert.Equal(t, 1.0, family(t, c.GetRegistry(), "custom_total").GetMetric()[0].GetCounter().GetValue())
}

func TestLatencyTracker(t *testing.T) {
	lt := NewLatencyTracker(0.01)

	for i := 1; i <= 100; i++ {
		lt.Record(OpNetworkFetch, time.Duration(i)*time.Millisecond)
	}
	lt.Record(OpCacheRead, 2*time.Millisecond)

	stats, err := lt.GetStats(OpNetworkFetch)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Count)
	assert.InEpsilon(t, 1.0, stats.Min, 0.02)
	assert.InEpsilon(t, 50.0, stats.P50, 0.03)
	assert.InEpsilon(t, 99.0, stats.P99, 0.03)
	assert.InEpsilon(t, 100.0, stats.Max, 0.02)

	assert.Equal(t, []string{OpCacheRead, OpNetworkFetch}, lt.Operations())

	_, err = lt.GetStats(OpCacheWrite)
	assert.Error(t, err)
}
