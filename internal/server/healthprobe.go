// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sustainable-computing-io/powerstats/internal/service"
)

const (
	statusOK        = "ok"
	statusUnhealthy = "unhealthy"
)

// HealthProbe serves liveness and readiness of the services that implement
// service.LiveChecker or service.ReadyChecker
type HealthProbe struct {
	logger    *slog.Logger
	apiServer APIService
	services  []service.Service
}

var (
	_ service.Initializer = (*HealthProbe)(nil)
	_ service.Runner      = (*HealthProbe)(nil)
)

// ServiceHealth is the health of a single service
type ServiceHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthStatus is the response of a probe endpoint
type HealthStatus struct {
	Status   string          `json:"status"`
	Services []ServiceHealth `json:"services"`
}

// NewHealthProbe creates a new HealthProbe service
func NewHealthProbe(apiServer APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		logger:    logger.With("service", "health-probe"),
		apiServer: apiServer,
		services:  services,
	}
}

func (h *HealthProbe) Name() string {
	return "health-probe"
}

func (h *HealthProbe) Init() error {
	h.logger.Info("Initializing health probe endpoints")

	if err := h.apiServer.Register("/probe/livez", "Liveness Probe",
		"Returns 200 if all services are alive",
		h.handler(func(svc service.Service) (bool, bool) {
			c, ok := svc.(service.LiveChecker)
			return ok && c.IsLive(), ok
		})); err != nil {
		return err
	}

	return h.apiServer.Register("/probe/readyz", "Readiness Probe",
		"Returns 200 if all services are ready",
		h.handler(func(svc service.Service) (bool, bool) {
			c, ok := svc.(service.ReadyChecker)
			return ok && c.IsReady(), ok
		}))
}

// Run blocks until ctx is done; probes are served by the API server
func (h *HealthProbe) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// handler reports every service check applies to; services it does not
// apply to are left out
func (h *HealthProbe) handler(check func(service.Service) (healthy, applies bool)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{Status: statusOK, Services: []ServiceHealth{}}

		for _, svc := range h.services {
			healthy, applies := check(svc)
			if !applies {
				continue
			}
			status.Services = append(status.Services, ServiceHealth{Name: svc.Name(), Healthy: healthy})
			if !healthy {
				status.Status = statusUnhealthy
			}
		}

		code := http.StatusOK
		if status.Status != statusOK {
			code = http.StatusServiceUnavailable
		}
		h.writeJSONResponse(w, code, status)
	})
}

func (h *HealthProbe) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
