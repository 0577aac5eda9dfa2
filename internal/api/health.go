package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusChecker reports a cluster colour such as "green" or "red".
type StatusChecker interface {
	HealthCheck(ctx context.Context) (string, error)
}

type statusFunc func(ctx context.Context) (string, error)

type component struct {
	check    statusFunc
	required bool
}

// HealthHandler serves the probes. Only required components can fail
// readiness; optional ones are reported as degraded.
type HealthHandler struct {
	components map[string]component
	logger     *zap.Logger
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		components: make(map[string]component),
		logger:     logger,
	}
}

// Register adds a component that answers healthy or unhealthy.
func (h *HealthHandler) Register(name string, checker HealthChecker, required bool) {
	h.components[name] = component{
		check: func(ctx context.Context) (string, error) {
			if err := checker.HealthCheck(ctx); err != nil {
				return "unhealthy", err
			}
			return "healthy", nil
		},
		required: required,
	}
}

// RegisterStatus adds a component that reports its own status string.
func (h *HealthHandler) RegisterStatus(name string, checker StatusChecker, required bool) {
	h.components[name] = component{check: checker.HealthCheck, required: required}
}

type componentHealth struct {
	Status   string `json:"status"`
	Required bool   `json:"required"`
	Latency  string `json:"latency,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	results := make(map[string]componentHealth, len(h.components))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for name, c := range h.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			status, err := c.check(ctx)
			ch := componentHealth{
				Status:   status,
				Required: c.required,
				Latency:  time.Since(start).String(),
			}
			if err != nil {
				if ch.Status == "" {
					ch.Status = "unhealthy"
				}
				ch.Error = err.Error()
			}
			mu.Lock()
			results[name] = ch
			mu.Unlock()
		}()
	}
	wg.Wait()

	code, overall := http.StatusOK, "healthy"
	for name, ch := range results {
		if !failing(ch.Status) {
			continue
		}
		h.logger.Warn("component not ready", zap.String("component", name), zap.String("error", ch.Error))
		if ch.Required {
			code, overall = http.StatusServiceUnavailable, "unavailable"
			break
		}
		overall = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     overall,
		"components": results,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func failing(status string) bool {
	return status == "unhealthy" || status == "red"
}
