package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// Version is reported by the health endpoints
const Version = "1.0.0"

// HealthCheckHandler handles health check requests
func HealthCheckHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Service:   service,
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	}
}

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) (bool, error)

// ReadinessHandler runs every named check concurrently and reports 503 if any fails.
// Checks are passed as funcs to avoid import cycles.
func ReadinessHandler(service string, checks map[string]HealthCheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var (
			mu           sync.Mutex
			wg           sync.WaitGroup
			dependencies = make(map[string]DependencyStatus, len(names))
			allHealthy   = true
		)

		for _, name := range names {
			check := checks[name]
			if check == nil {
				continue
			}

			wg.Add(1)
			go func(name string, check HealthCheckFunc) {
				defer wg.Done()

				start := time.Now()
				healthy, err := check(ctx)
				dep := DependencyStatus{
					Status:    "healthy",
					LatencyMs: time.Since(start).Milliseconds(),
				}
				if err != nil || !healthy {
					dep.Status = "unhealthy"
					if err != nil {
						dep.Message = err.Error()
					}
				}

				mu.Lock()
				dependencies[name] = dep
				if dep.Status != "healthy" {
					allHealthy = false
				}
				mu.Unlock()
			}(name, check)
		}
		wg.Wait()

		status := HealthStatus{
			Status:       "ready",
			Service:      service,
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: dependencies,
		}

		w.Header().Set("Content-Type", "application/json")
		if !allHealthy {
			status.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(status)
	}
}
