package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/ledati16/drfw/pkg/audit"
	"github.com/ledati16/drfw/pkg/clock"
	"github.com/ledati16/drfw/pkg/generator"
	"github.com/ledati16/drfw/pkg/snapshot"
)

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func value(t *testing.T, families map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	f, ok := families[name]
	if !ok || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %s not found", name)
	}
	m := f.GetMetric()[0]
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return m.GetCounter().GetValue()
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24.0")
}

func TestSetEngineState(t *testing.T) {
	SetEngineState("pending_confirmation")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	set := 0
	for _, f := range families {
		if f.GetName() != "drfw_engine_state" {
			continue
		}
		if len(f.GetMetric()) != len(EngineStates) {
			t.Fatalf("expected %d series, got %d", len(EngineStates), len(f.GetMetric()))
		}
		for _, m := range f.GetMetric() {
			if m.GetGauge().GetValue() == 1 {
				set++
				if m.GetLabel()[0].GetValue() != "pending_confirmation" {
					t.Fatalf("wrong state marked: %s", m.GetLabel()[0].GetValue())
				}
			}
		}
	}
	if set != 1 {
		t.Fatalf("expected exactly one current state, got %d", set)
	}
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	if !strings.HasPrefix(cfg.Addr, "127.0.0.1:") {
		t.Errorf("expected loopback default addr, got %s", cfg.Addr)
	}
	if cfg.Path != "/metrics" {
		t.Errorf("expected default path /metrics, got %s", cfg.Path)
	}
	if cfg.ReadTimeout != 5*time.Second || cfg.WriteTimeout != 10*time.Second {
		t.Errorf("unexpected timeouts %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
}

func TestServerEndpoints(t *testing.T) {
	var ready atomic.Bool
	server := NewServer(ServerConfig{Path: "/metrics"}, ready.Load)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	SetBuildInfo("test", "go")

	tests := []struct {
		name           string
		path           string
		ready          bool
		expectedStatus int
		expectedBody   string
	}{
		{"metrics endpoint", "/metrics", false, http.StatusOK, "drfw_build_info"},
		{"healthz endpoint", "/healthz", false, http.StatusOK, "ok"},
		{"readyz before ready", "/readyz", false, http.StatusServiceUnavailable, "not ready"},
		{"readyz when ready", "/readyz", true, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready.Store(tt.ready)
			resp, err := ts.Client().Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("failed to GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}
			if !strings.Contains(string(body), tt.expectedBody) {
				t.Errorf("expected body to contain %q, got %q", tt.expectedBody, string(body))
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, nil)
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if strings.HasSuffix(server.Addr(), ":0") {
		t.Fatalf("expected the bound port, got %s", server.Addr())
	}

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("failed to stop server: %v", err)
	}
}

func TestServerStartReportsBindError(t *testing.T) {
	first := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, nil)
	if err := first.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer first.Stop(context.Background())

	second := NewServer(ServerConfig{Addr: first.Addr()}, nil)
	if err := second.Start(); err == nil {
		second.Stop(context.Background())
		t.Fatal("expected a bind error for a port in use")
	}
}

func TestSnapshotCollector(t *testing.T) {
	store, err := snapshot.NewStore(filepath.Join(t.TempDir(), "state"), 5, clock.Real())
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Save(generator.Emergency(), "test"); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), snapshot.FileName(7)), []byte("nope"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := store.WritePending(snapshot.Pending{PID: os.Getpid(), Deadline: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("WritePending() failed: %v", err)
	}

	families := gather(t, NewSnapshotCollector(store))

	tests := []struct {
		name string
		want float64
	}{
		{"drfw_snapshot_stored", 3},
		{"drfw_snapshot_invalid", 1},
		{"drfw_snapshot_latest_generation", 7},
		{"drfw_snapshot_pending_confirmation", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := value(t, families, tt.name); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAuditCollector(t *testing.T) {
	logger, err := audit.NewLogger(audit.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("NewLogger() failed: %v", err)
	}
	defer logger.Close()
	logger.Record(audit.EventApplyRules, true, nil, nil)
	logger.Record(audit.EventVerifyRules, true, nil, nil)

	families := gather(t, NewAuditCollector(logger))
	if got := value(t, families, "drfw_audit_logged_events_total"); got != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	if got := value(t, families, "drfw_audit_current_file_size_bytes"); got <= 0 {
		t.Fatalf("expected a non-empty log, got %v", got)
	}
}
