// Package health aggregates readiness checks for the settlement service.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them concurrently on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks share a 2 second budget.
func NewRegistry() *Registry {
	return &Registry{timeout: 2 * time.Second}
}

// Register adds a named checker. The returned Status name is overwritten
// with name so callers cannot mislabel a result.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all are healthy.
// Statuses are returned in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	timeout := r.timeout
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// DBCheck pings a database.
func DBCheck(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// ProviderCheck reports degraded providers. Any tripped provider marks the
// check unhealthy, but only when every active provider is tripped does it
// mean payments cannot be taken at all.
func ProviderCheck(tripped func() []string) Checker {
	return func(context.Context) Status {
		down := tripped()
		if len(down) == 0 {
			return Status{Healthy: true}
		}
		return Status{Healthy: false, Detail: fmt.Sprintf("breaker open: %s", strings.Join(down, ","))}
	}
}
