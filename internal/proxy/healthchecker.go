// HealthChecker backs GET /health and GET /readiness (spec.md §6: "200 if
// cache+db reachable, else 503"). Adapted from the teacher's per-provider
// health checker: the teacher probed each configured LLM provider's own
// /health-equivalent endpoint, which has no home in this spec (connections
// are admin-managed rows, not locally-configured clients with a HealthCheck
// method) — so the provider probes are dropped and only the cache (Redis)
// and database (Postgres) probes remain, unchanged in shape.
package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	cacheStatus componentStatus
	dbStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	cacheReady func() bool,
	dbReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		cacheReady: cacheReady,
		dbReady:    dbReady,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Cache         string `json:"cache"`
	Database      string `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results (spec.md §6:
// "200 if cache+db reachable, else 503" — HTTPStatus below derives the
// status code from this snapshot).
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	cache := hc.cacheStatus.get()
	db := hc.dbStatus.get()

	overall := "ok"
	if cache != "ok" || db != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Cache:         cache,
		Database:      db,
	}
}

// HTTPStatus reports the HTTP status GET /health should return for the
// current snapshot.
func (hc *HealthChecker) HTTPStatus() int {
	if hc.cacheStatus.get() == "ok" && hc.dbStatus.get() == "ok" {
		return 200
	}
	return 503
}

// ReadinessOK returns true when the database and cache are reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok" && hc.cacheStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	_, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// DB probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}
