package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/courier"
	mw "github.com/xraph/courier/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestJob(), func(_ context.Context) error { return nil })

	metric := findMetric(collectMetrics(t, reader), "courier.job.attempt.duration")
	if metric == nil {
		t.Fatal("courier.job.attempt.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("unexpected data points: %+v", hist.DataPoints)
	}
}

func TestMetrics_StatusAttribute(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ok", nil, "ok"},
		{"error", errors.New("boom"), "error"},
		{"timeout", fmt.Errorf("%w: %w", courier.ErrDownstreamCall, courier.ErrDownstreamTimeout), "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))

			_ = m(context.Background(), newTestJob(), func(_ context.Context) error { return tt.err })

			metric := findMetric(collectMetrics(t, reader), "courier.job.attempts")
			if metric == nil {
				t.Fatal("courier.job.attempts metric not found")
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 {
				t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
			}

			dp := sum.DataPoints[0]
			if dp.Value != 1 {
				t.Errorf("value = %d, want 1", dp.Value)
			}
			if v, ok := dp.Attributes.Value("status"); !ok || v.AsString() != tt.want {
				t.Errorf("status = %v, want %q", v.AsString(), tt.want)
			}
			if v, ok := dp.Attributes.Value("partition"); !ok || v.AsString() != "tenant-a" {
				t.Errorf("partition = %v", v.AsString())
			}
		})
	}
}
