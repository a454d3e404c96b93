// Package health runs named subsystem probes for the readiness endpoint.
//
// A reconciliation service has one failure mode that is invisible from the
// outside: the webhook keeps acking while every gateway lookup fails. The
// gateway credential probe exists so that state shows up in /health instead
// of only in logs.
package health

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/unijobs/platform/internal/gateway"
)

// checkTimeout bounds a single probe so one stuck dependency cannot hang
// the readiness endpoint.
const checkTimeout = 5 * time.Second

// Status is the result of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker and reports the aggregate plus the
// per-subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		statuses[i] = nc.check(cctx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// DatabaseChecker pings the account database.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// PaymentFetcher is the slice of the gateway client the credential probe uses.
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, id string) (*gateway.Payment, error)
}

// GatewayChecker verifies the gateway credential by looking up a payment id
// that cannot exist. A not-found answer proves the token is accepted; an
// unauthorized answer is the blocked-reconciliation state.
func GatewayChecker(client PaymentFetcher) Checker {
	return func(ctx context.Context) Status {
		_, err := client.FetchPayment(ctx, "0")
		switch {
		case err == nil, errors.Is(err, gateway.ErrNotFound):
			return Status{Name: "gateway", Healthy: true}
		case errors.Is(err, gateway.ErrUnauthorized):
			return Status{Name: "gateway", Healthy: false, Detail: "credentials rejected"}
		default:
			return Status{Name: "gateway", Healthy: false, Detail: err.Error()}
		}
	}
}

// StaticChecker always reports the given state. Used for the in-memory
// store mode, where there is no dependency to probe.
func StaticChecker(name string, healthy bool, detail string) Checker {
	return func(ctx context.Context) Status {
		return Status{Name: name, Healthy: healthy, Detail: detail}
	}
}
