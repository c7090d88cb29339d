package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily はレジストリから指定名のメトリクスファミリーを取得する。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if c := NewCollector(prometheus.NewRegistry()); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAuthEvent_LabelsByEventAndResult はイベント・結果別にカウントされることを検証する。
func TestRecordAuthEvent_LabelsByEventAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthEvent("login", "success")
	c.RecordAuthEvent("login", "success")
	c.RecordAuthEvent("login", "invalid_credentials")

	mf := findMetricFamily(t, reg, "dsadrill_auth_events_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label sets, got %d", len(mf.GetMetric()))
	}

	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		want := 1.0
		if labels["result"] == "success" {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("auth_events_total{result=%q} = %v, want %v", labels["result"], got, want)
		}
	}
}

// TestRecordSweep_AccumulatesDeleted は削除件数が加算され、実行時間が観測されることを検証する。
func TestRecordSweep_AccumulatesDeleted(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSweep(3, 10*time.Millisecond)
	c.RecordSweep(0, 5*time.Millisecond)

	deleted := findMetricFamily(t, reg, "dsadrill_sweeper_deleted_total")
	if got := deleted.GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("sweeper_deleted_total = %v, want 3", got)
	}

	latency := findMetricFamily(t, reg, "dsadrill_sweeper_duration_seconds")
	if got := latency.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sweeper_duration_seconds count = %v, want 2", got)
	}
}

// TestRecordSweepFailure_IncrementsCounter はスイーパー失敗カウンタが増加することを検証する。
func TestRecordSweepFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSweepFailure()

	mf := findMetricFamily(t, reg, "dsadrill_sweeper_failures_total")
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("sweeper_failures_total = %v, want 1", got)
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコード別にカウントされることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)

	mf := findMetricFamily(t, reg, "dsadrill_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 status codes, got %d", len(mf.GetMetric()))
	}
}
