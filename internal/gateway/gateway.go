// Package gateway queries the external payment processor.
//
// The inbound webhook body is never trusted: the only authoritative source
// for a payment's status and intent is a fresh lookup against the gateway's
// payments API. Lookups are time-bounded and never retried here; redelivery
// of the notification is the gateway's retry mechanism, and the account
// store's idempotency guard is what makes redelivery safe.
package gateway

import (
	"errors"
	"fmt"
)

// Payment statuses reported by the gateway.
const (
	StatusApproved    = "approved"
	StatusPending     = "pending"
	StatusInProcess   = "in_process"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

// Lookup failure classification.
var (
	// ErrNotFound: the gateway has no such payment. Benign — test or expired
	// notifications produce this.
	ErrNotFound = errors.New("gateway: payment not found")

	// ErrUnauthorized: the access token was rejected. A configuration fault
	// that silently blocks ALL reconciliation; callers must log it loudly.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	// ErrUnreachable: network failure or timeout before a response arrived.
	ErrUnreachable = errors.New("gateway: unreachable")
)

// ServerError is a non-2xx gateway response other than 404/401.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gateway: server error: HTTP %d: %s", e.Status, e.Body)
}

// Payment is the authoritative payment record fetched from the gateway.
// Amount is informational; crediting quantities come from Metadata or
// ExternalReference, never from the charged amount.
type Payment struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	TransactionAmount float64           `json:"transactionAmount"`
	ExternalReference string            `json:"externalReference"`
	Metadata          map[string]string `json:"metadata"`
}

// Approved reports whether the payment settled successfully.
func (p *Payment) Approved() bool {
	return p.Status == StatusApproved
}
