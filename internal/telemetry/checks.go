package telemetry

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// HealthStatus is the graded result of a check. Run reports the worst one.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// Checks is a set of named health checks.
type Checks struct {
	mu     sync.RWMutex
	checks map[string]func() HealthCheck
}

func NewChecks() *Checks {
	return &Checks{checks: map[string]func() HealthCheck{}}
}

// Register adds or replaces a health check.
func (c *Checks) Register(name string, fn func() HealthCheck) {
	c.mu.Lock()
	c.checks[name] = fn
	c.mu.Unlock()
}

// Run executes every check in name order and returns the worst status.
func (c *Checks) Run() (HealthStatus, []HealthCheck) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	fns := make(map[string]func() HealthCheck, len(c.checks))
	for n, fn := range c.checks {
		fns[n] = fn
	}
	c.mu.RUnlock()
	sort.Strings(names)

	overall := HealthStatusHealthy
	results := make([]HealthCheck, 0, len(names))
	for _, n := range names {
		start := time.Now()
		check := fns[n]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		if check.Name == "" {
			check.Name = n
		}
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
		results = append(results, check)
	}
	return overall, results
}

// Threshold grades a sampled value: above Degraded is degraded, above
// Unhealthy is unhealthy.
type Threshold struct {
	Degraded  float64
	Unhealthy float64
	Format    string
}

// Check samples value and grades it against t.
func (t Threshold) Check(name string, sample func() float64) func() HealthCheck {
	return func() HealthCheck {
		v := sample()
		hc := HealthCheck{
			Name:    name,
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf(t.Format, v),
			Details: map[string]string{"value": strconv.FormatFloat(v, 'f', -1, 64)},
		}
		switch {
		case t.Unhealthy > 0 && v > t.Unhealthy:
			hc.Status = HealthStatusUnhealthy
		case t.Degraded > 0 && v > t.Degraded:
			hc.Status = HealthStatusDegraded
		}
		return hc
	}
}

// DefaultHealthChecks grades heap size in MiB and goroutine count.
func DefaultHealthChecks() map[string]func() HealthCheck {
	heap := func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return math.Round(float64(m.HeapAlloc)/(1<<20)*100) / 100
	}
	goroutines := func() float64 { return float64(runtime.NumGoroutine()) }
	return map[string]func() HealthCheck{
		"memory":     Threshold{Degraded: 512, Unhealthy: 1024, Format: "heap %.2f MiB"}.Check("memory", heap),
		"goroutines": Threshold{Degraded: 1000, Unhealthy: 5000, Format: "%.0f goroutines"}.Check("goroutines", goroutines),
	}
}
