package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// probeTimeout bounds each readiness probe individually so one stuck
// dependency cannot mask the state of the others.
const probeTimeout = 3 * time.Second

// Probe checks one dependency the gateway needs to serve traffic, such
// as the snapshot store or a sandbox backend.
type Probe func(ctx context.Context) error

// Health answers the gateway's liveness and readiness endpoints.
// Probes are registered during startup; Ready may run concurrently
// with late registration.
type Health struct {
	logger *slog.Logger

	mu     sync.Mutex
	probes []namedProbe
}

type namedProbe struct {
	name  string
	probe Probe
}

// Report is the JSON body of the probe endpoints.
type Report struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Probes map[string]ProbeResult `json:"probes,omitempty"`
}

// ProbeResult is the outcome of one dependency probe.
type ProbeResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error text on failure.
}

func NewHealth(logger *slog.Logger) *Health {
	return &Health{logger: logger}
}

// Register adds a named readiness probe.
func (h *Health) Register(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, namedProbe{name: name, probe: probe})
}

// Live reports process liveness. If this code runs, the answer is ok.
func (h *Health) Live() Report {
	return Report{Status: "ok"}
}

// Ready runs every registered probe under its own deadline and
// aggregates the outcomes. Any failing probe degrades the report.
func (h *Health) Ready(ctx context.Context) Report {
	h.mu.Lock()
	probes := make([]namedProbe, len(h.probes))
	copy(probes, h.probes)
	h.mu.Unlock()

	report := Report{Status: "ok"}
	if len(probes) == 0 {
		return report
	}
	report.Probes = make(map[string]ProbeResult, len(probes))

	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.probe(probeCtx)
		cancel()
		if err != nil {
			report.Status = "degraded"
			report.Probes[p.name] = ProbeResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness probe failed",
					slog.String("probe", p.name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		report.Probes[p.name] = ProbeResult{Status: "ok"}
	}
	return report
}
