package server

import (
	"errors"
	"net/http"

	"github.com/nimburion/redlock/pkg/health"
	"github.com/nimburion/redlock/pkg/observability/logger"
	"github.com/nimburion/redlock/pkg/server/router"
)

const (
	HealthPath  = "/health"
	ReadyPath   = "/ready"
	MetricsPath = "/metrics"
)

// ManagementServer serves liveness, readiness and Prometheus metrics for the long-running
// commands (jobs worker, scheduler, run):
//   - /health always answers 200 while the process serves requests
//   - /ready runs the readiness registry; 503 only when it is unhealthy, so a lost store that
//     still leaves a quorum keeps the process ready
//   - /metrics exposes the Prometheus handler
//
// Every route runs behind the request id, logging and recovery middleware.
type ManagementServer struct {
	*Server
	liveness  health.Checker
	readiness *health.Registry
	metrics   http.Handler
}

// NewManagementServer registers the management endpoints on r and wraps it in a Server.
func NewManagementServer(
	cfg Config,
	r router.Router,
	log logger.Logger,
	readiness *health.Registry,
	metrics http.Handler,
) (*ManagementServer, error) {
	if readiness == nil {
		return nil, errors.New("readiness registry is required")
	}
	if metrics == nil {
		return nil, errors.New("metrics handler is required")
	}
	base, err := NewServer(cfg, r, log)
	if err != nil {
		return nil, err
	}

	r.Use(
		RequestID(),
		Logging(log),
		Recovery(log),
	)

	s := &ManagementServer{
		Server:    base,
		liveness:  health.NewPingChecker("liveness"),
		readiness: readiness,
		metrics:   metrics,
	}
	r.GET(HealthPath, s.handleHealth)
	r.GET(ReadyPath, s.handleReady)
	r.GET(MetricsPath, s.handleMetrics)
	return s, nil
}

func (s *ManagementServer) handleHealth(c router.Context) error {
	return c.JSON(http.StatusOK, s.liveness.Check(c.Request().Context()))
}

func (s *ManagementServer) handleReady(c router.Context) error {
	result := s.readiness.Check(c.Request().Context())
	if !result.IsReady() {
		return c.JSON(http.StatusServiceUnavailable, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleMetrics(c router.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}
