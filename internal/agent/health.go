// ABOUTME: Health sweep over every registered agent's status capability
// ABOUTME: Caches reports in ristretto and mirrors them into a gRPC health server

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthStatus is the outcome of one agent's status check.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// DefaultHealthTimeout bounds a single agent's Status call.
const DefaultHealthTimeout = 5 * time.Second

// maxCachedReports bounds the report cache; each report costs 1.
const maxCachedReports = 4096

// HealthReport is the result of checking one agent.
type HealthReport struct {
	AgentID   string
	Status    HealthStatus
	Detail    string
	CheckedAt time.Time
}

// cachedReport ties a report to the registration it was taken from.
type cachedReport struct {
	report     HealthReport
	generation uint64
}

// StatusSink receives per-agent serving status. *health.Server from
// google.golang.org/grpc/health satisfies it.
type StatusSink interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// HealthOptions configures a HealthChecker.
type HealthOptions struct {
	Timeout  time.Duration // per agent; DefaultHealthTimeout when zero
	CacheTTL time.Duration // zero disables caching
	Sink     StatusSink    // optional
	Logger   *slog.Logger
}

// HealthChecker runs status sweeps over a registry.
type HealthChecker struct {
	registry *Registry
	timeout  time.Duration
	cacheTTL time.Duration
	cache    *ristretto.Cache[string, cachedReport]
	sink     StatusSink
	logger   *slog.Logger

	mu       sync.Mutex
	reported map[string]bool
}

// NewHealthChecker creates a checker for reg.
func NewHealthChecker(reg *Registry, opts HealthOptions) (*HealthChecker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}

	h := &HealthChecker{
		registry: reg,
		timeout:  timeout,
		cacheTTL: opts.CacheTTL,
		sink:     opts.Sink,
		logger:   logger.With("component", "health"),
		reported: make(map[string]bool),
	}

	if opts.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, cachedReport]{
			NumCounters:        maxCachedReports * 10,
			MaxCost:            maxCachedReports,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating health cache: %w", err)
		}
		h.cache = cache
	}
	return h, nil
}

// Sweep checks every registered agent concurrently. A failing or slow agent
// only affects its own report. Reports are sorted by agent id.
func (h *HealthChecker) Sweep(ctx context.Context) []HealthReport {
	entries := h.registry.All()
	reports := make([]HealthReport, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			reports[i] = h.checkOne(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].AgentID < reports[j].AgentID })
	h.publish(reports)

	unhealthy := 0
	for _, r := range reports {
		if r.Status == Unhealthy {
			unhealthy++
		}
	}
	h.logger.Debug("health sweep finished", "agents", len(reports), "unhealthy", unhealthy)
	return reports
}

// Invalidate drops every cached report.
func (h *HealthChecker) Invalidate() {
	if h.cache != nil {
		h.cache.Clear()
	}
}

// Forget drops the cached report of id. Called when the agent is
// unregistered.
func (h *HealthChecker) Forget(id string) {
	if h.cache != nil {
		h.cache.Del(id)
	}
}

// Close releases the cache.
func (h *HealthChecker) Close() {
	if h.cache != nil {
		h.cache.Close()
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, e Entry) (report HealthReport) {
	if h.cache != nil {
		// A report of an earlier registration under the same id is stale
		if cached, ok := h.cache.Get(e.ID); ok && cached.generation == e.Generation {
			return cached.report
		}
	}

	report = HealthReport{AgentID: e.ID, CheckedAt: time.Now().UTC()}
	defer func() {
		if r := recover(); r != nil {
			report.Status = Unhealthy
			report.Detail = fmt.Sprintf("status check panicked: %v", r)
		}
		if h.cache != nil {
			h.cache.SetWithTTL(e.ID, cachedReport{report: report, generation: e.Generation}, 1, h.cacheTTL)
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	status, err := e.Handle.Status(checkCtx)
	switch {
	case err != nil:
		report.Status = Unhealthy
		report.Detail = err.Error()
	case status == nil:
		report.Status = Unhealthy
		report.Detail = "no status reported"
	case !status.Healthy:
		report.Status = Unhealthy
		report.Detail = status.Detail
	default:
		report.Status = Healthy
		report.Detail = status.Detail
	}
	return report
}

// publish mirrors reports into the sink; agents that disappeared since the
// previous sweep are marked unknown.
func (h *HealthChecker) publish(reports []HealthReport) {
	if h.sink == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool, len(reports))
	for _, r := range reports {
		seen[r.AgentID] = true
		status := healthpb.HealthCheckResponse_SERVING
		if r.Status == Unhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.sink.SetServingStatus(r.AgentID, status)
	}
	for id := range h.reported {
		if !seen[id] {
			h.sink.SetServingStatus(id, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.reported = seen
}
