package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/redlock/pkg/health"
	ginrouter "github.com/nimburion/redlock/pkg/server/router/gin"
)

var metricsStub = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "redlock_lock_attempts_total 1\n")
})

func newTestManagementServer(t *testing.T, checks ...health.Checker) (*ManagementServer, *recordingLogger) {
	t.Helper()
	log := &recordingLogger{}
	readiness := health.NewRegistry()
	for _, check := range checks {
		readiness.Register(check)
	}
	server, err := NewManagementServer(Config{Addr: "127.0.0.1:0"}, ginrouter.NewRouter(), log, readiness, metricsStub)
	if err != nil {
		t.Fatalf("new management server: %v", err)
	}
	return server, log
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, path, nil))
	return recorder
}

func TestNewManagementServer_Validation(t *testing.T) {
	log := &recordingLogger{}
	if _, err := NewManagementServer(Config{Addr: ":0"}, ginrouter.NewRouter(), log, nil, metricsStub); err == nil {
		t.Fatal("expected readiness registry error")
	}
	if _, err := NewManagementServer(Config{Addr: ":0"}, ginrouter.NewRouter(), log, health.NewRegistry(), nil); err == nil {
		t.Fatal("expected metrics handler error")
	}
	if _, err := NewManagementServer(Config{Addr: " "}, ginrouter.NewRouter(), log, health.NewRegistry(), metricsStub); err == nil {
		t.Fatal("expected address error")
	}
}

func TestManagementServer_HealthIsLiveness(t *testing.T) {
	server, _ := newTestManagementServer(t, staticChecker{name: "lock-quorum", status: health.StatusUnhealthy})

	recorder := get(t, server.router, HealthPath)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected liveness to ignore dependencies, got %d", recorder.Code)
	}
	var result health.CheckResult
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if result.Status != health.StatusHealthy || result.Name != "liveness" {
		t.Fatalf("unexpected liveness result %+v", result)
	}
}

func TestManagementServer_ReadyFollowsQuorum(t *testing.T) {
	cases := []struct {
		status health.Status
		want   int
	}{
		{health.StatusHealthy, http.StatusOK},
		{health.StatusDegraded, http.StatusOK},
		{health.StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			server, _ := newTestManagementServer(t, staticChecker{name: "lock-quorum", status: tc.status})

			recorder := get(t, server.router, ReadyPath)
			if recorder.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, recorder.Code)
			}
			var result health.AggregatedResult
			if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
				t.Fatalf("decode ready: %v", err)
			}
			if result.Status != tc.status || len(result.Checks) != 1 {
				t.Fatalf("unexpected readiness result %+v", result)
			}
		})
	}
}

func TestManagementServer_MetricsAndRequestID(t *testing.T) {
	server, _ := newTestManagementServer(t)

	recorder := get(t, server.router, MetricsPath)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "redlock_lock_attempts_total 1") {
		t.Fatalf("unexpected metrics response %d %q", recorder.Code, recorder.Body.String())
	}
	if recorder.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestManagementServer_StartServesAndShutsDown(t *testing.T) {
	server, log := newTestManagementServer(t, staticChecker{name: "lock-quorum", status: health.StatusHealthy})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Fatal("expected second start to fail")
	}

	resp, err := http.Get("http://" + server.Addr() + ReadyPath)
	if err != nil {
		t.Fatalf("get ready: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown should be a no-op: %v", err)
	}
	if _, ok := log.find("info", "server shutdown complete"); !ok {
		t.Fatal("expected shutdown to be logged")
	}
}

func TestServer_StartReportsBindFailure(t *testing.T) {
	first, _ := newTestManagementServer(t)
	if err := first.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = first.Shutdown(context.Background()) }()

	second, err := NewServer(Config{Addr: first.Addr()}, ginrouter.NewRouter(), &recordingLogger{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := second.Start(); err == nil || !strings.Contains(err.Error(), "server failed to start") {
		t.Fatalf("expected bind failure, got %v", err)
	}
}
