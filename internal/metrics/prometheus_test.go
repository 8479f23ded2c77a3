package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func labelledValue(mf *dto.MetricFamily, label, value string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue(), true
				}
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestNewMetricsUsesOwnRegistry(t *testing.T) {
	// Two instances must not collide on the default registry
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}

func TestConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.SetActiveConnections(2)
	m.RecordConnectionClosed(12.5)
	m.SetActiveConnections(1)

	families := gather(t, reg)
	if got := families["relay_connections_opened_total"].GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("Expected 2 opened, got %v", got)
	}
	if got := families["relay_active_connections"].GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("Expected 1 active, got %v", got)
	}
	if got := families["relay_connection_duration_seconds"].GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("Expected 1 duration sample, got %v", got)
	}
}

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordEvent("audio_chunk")
	m.RecordEvent("audio_chunk")
	m.RecordEvent("ping")
	m.RecordChunk("translated")
	m.ObserveStage("transcription", 1.2)
	m.RecordDownstreamRequest("whisper")
	m.RecordDownstreamRetry("whisper")
	m.RecordDownstreamResult("whisper", false, 3.0)
	m.RecordDownstreamResult("translator", true, 0.2)
	m.RecordCleanupWarning()

	families := gather(t, reg)

	tests := []struct {
		family, label, value string
		expected             float64
	}{
		{"relay_events_received_total", "event", "audio_chunk", 2},
		{"relay_events_received_total", "event", "ping", 1},
		{"relay_chunks_processed_total", "outcome", "translated", 1},
		{"relay_stage_duration_seconds", "stage", "transcription", 1},
		{"relay_downstream_retries_total", "service", "whisper", 1},
		{"relay_downstream_failures_total", "service", "whisper", 1},
		{"relay_downstream_duration_seconds", "service", "translator", 1},
	}
	for _, tt := range tests {
		mf, ok := families[tt.family]
		if !ok {
			t.Errorf("Missing family %s", tt.family)
			continue
		}
		got, ok := labelledValue(mf, tt.label, tt.value)
		if !ok || got != tt.expected {
			t.Errorf("%s{%s=%q} = %v (found %v), expected %v", tt.family, tt.label, tt.value, got, ok, tt.expected)
		}
	}

	if _, ok := labelledValue(families["relay_downstream_failures_total"], "service", "translator"); ok {
		t.Error("Successful calls must not count as failures")
	}
	if got := families["relay_cleanup_warnings_total"].GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 cleanup warning, got %v", got)
	}
}
