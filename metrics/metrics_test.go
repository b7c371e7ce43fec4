package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, reg
}

func TestCollector_Counts(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ReadHit("coins")
	c.ReadHit("coins")
	c.ReadMiss("coins")
	c.ReadError("gems")
	c.Write("coins", 0.01, nil)
	c.Write("coins", 0.02, errors.New("boom"))
	c.BackupEntered("gems")
	c.DataLoss("gems")
	c.SetLiveHandles(7)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"hit", testutil.ToFloat64(c.reads.WithLabelValues("coins", "hit")), 2},
		{"miss", testutil.ToFloat64(c.reads.WithLabelValues("coins", "miss")), 1},
		{"read error", testutil.ToFloat64(c.reads.WithLabelValues("gems", "error")), 1},
		{"write ok", testutil.ToFloat64(c.writes.WithLabelValues("coins", "ok")), 1},
		{"write error", testutil.ToFloat64(c.writes.WithLabelValues("coins", "error")), 1},
		{"backup", testutil.ToFloat64(c.backupsEntered.WithLabelValues("gems")), 1},
		{"data loss", testutil.ToFloat64(c.dataLoss.WithLabelValues("gems")), 1},
		{"live", testutil.ToFloat64(c.liveHandles), 7},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.ReadHit("x")
	c.ReadMiss("x")
	c.ReadError("x")
	c.Write("x", 1, nil)
	c.BackupEntered("x")
	c.DataLoss("x")
	c.SetLiveHandles(1)
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected an AlreadyRegistered error")
	}
}

func TestHandlerFor_ServesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.DataLoss("coins")

	rr := httptest.NewRecorder()
	HandlerFor(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `squirrelstore_data_loss_total{namespace="coins"} 1`) {
		t.Fatalf("metric missing from output:\n%s", rr.Body.String())
	}
}

func TestHandler_NonNil(t *testing.T) {
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
