// Package account tracks per-user purchase state: the CV credit balance,
// review packages, and the set of payment ids already applied.
//
// ApplyCredit is the one mutation and it is idempotent: applying the same
// payment id to the same account twice (sequentially or concurrently) must
// change the balance exactly once. Stores enforce this by making the
// "record payment id + mutate balance" sequence a single atomic unit, not
// by a separate read-check-write.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/unijobs/platform/internal/pagination"
)

var (
	// ErrAccountNotFound: no account record exists yet for this user.
	ErrAccountNotFound = errors.New("account: not found")

	// ErrInvalidDelta: the delta is empty, ambiguous, or non-positive.
	ErrInvalidDelta = errors.New("account: invalid credit delta")
)

// ReviewPackage grants a fixed number of CV-review units.
type ReviewPackage struct {
	ID              string    `json:"id"`
	IncludedUnits   int64     `json:"includedUnits"`
	UsedUnits       int64     `json:"usedUnits"`
	SourcePaymentID string    `json:"sourcePaymentId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RemainingUnits returns the unused units in the package.
func (p *ReviewPackage) RemainingUnits() int64 {
	return p.IncludedUnits - p.UsedUnits
}

// Account is a user's durable purchase state.
type Account struct {
	ID                string          `json:"id"`
	CreditBalance     int64           `json:"creditBalance"`
	ReviewPackages    []ReviewPackage `json:"reviewPackages,omitempty"`
	AppliedPaymentIDs []string        `json:"appliedPaymentIds,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Delta describes what a payment credits. Exactly one of Credits or
// ReviewUnits is positive.
type Delta struct {
	Credits     int64
	ReviewUnits int64
	PackageID   string // product package identifier, recorded in the ledger
}

// Validate rejects empty, ambiguous, or non-positive deltas. The intent
// decoder already refuses non-positive quantities; this is the store's own
// line of defense so a zero delta can never be persisted.
func (d Delta) Validate() error {
	switch {
	case d.Credits > 0 && d.ReviewUnits > 0:
		return ErrInvalidDelta
	case d.Credits > 0 || d.ReviewUnits > 0:
		return nil
	default:
		return ErrInvalidDelta
	}
}

// Amount returns the single positive quantity the delta carries.
func (d Delta) Amount() int64 {
	if d.Credits > 0 {
		return d.Credits
	}
	return d.ReviewUnits
}

// ApplyResult reports what ApplyCredit did.
type ApplyResult struct {
	// Applied is false when the payment id was already present and nothing
	// was mutated.
	Applied bool
	// AmountApplied is the quantity credited when Applied is true.
	AmountApplied int64
}

// Entry is an audit-ledger record of one applied credit.
type Entry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	PaymentID string    `json:"paymentId"`
	Kind      string    `json:"kind"` // "credits" or "review_package"
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryQuery bounds one ledger page. Stores return up to Limit+1 entries
// older than Before (newest first) so the caller can compute the next
// cursor without a count query.
type HistoryQuery struct {
	Limit  int
	Before *pagination.Cursor
}

// Store persists account state.
//
// ApplyCredit must be atomic per account with respect to concurrent calls
// carrying the same payment id: exactly one caller wins, the rest observe
// Applied == false. Accounts are created lazily on first successful credit.
type Store interface {
	ApplyCredit(ctx context.Context, accountID, paymentID string, delta Delta) (*ApplyResult, error)
	Get(ctx context.Context, accountID string) (*Account, error)
	History(ctx context.Context, accountID string, q HistoryQuery) ([]*Entry, error)
}
