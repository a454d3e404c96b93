// Package reconcile turns a payment notification into an account credit.
//
// One reconciliation runs per inbound event, synchronously: fetch the
// authoritative payment record, gate on approved status, decode the credit
// intent, resolve the account, and apply the credit idempotently. There are
// no retries anywhere in this path — the gateway redelivers notifications,
// and the account store's applied-payment guard makes redelivery harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/unijobs/platform/internal/account"
	"github.com/unijobs/platform/internal/gateway"
	"github.com/unijobs/platform/internal/identity"
	"github.com/unijobs/platform/internal/intent"
	"github.com/unijobs/platform/internal/logging"
	"github.com/unijobs/platform/internal/metrics"
	"github.com/unijobs/platform/internal/traces"
)

// EventKindPayment is the only notification kind that triggers reconciliation.
const EventKindPayment = "payment"

// Event is the inbound notification after envelope parsing. Untrusted and
// minimal; everything of consequence is re-fetched from the gateway.
type Event struct {
	Kind       string
	ResourceID string
}

// Status classifies the result of processing one notification.
type Status string

const (
	StatusCredited         Status = "credited"
	StatusAlreadyProcessed Status = "already_processed"
	StatusIgnored          Status = "ignored"
	StatusFailed           Status = "failed"
)

// ErrorKind names the failure taxonomy for failed outcomes.
type ErrorKind string

const (
	ErrorValidation   ErrorKind = "validation_error"
	ErrorUnauthorized ErrorKind = "gateway_unauthorized"
	ErrorServer       ErrorKind = "gateway_server_error"
	ErrorUnreachable  ErrorKind = "gateway_unreachable"
	ErrorDecode       ErrorKind = "decode_error"
	ErrorResolve      ErrorKind = "resolve_error"
	ErrorStore        ErrorKind = "store_error"
)

// Outcome is the internal result of one reconciliation. It travels up to
// the notification receiver unchanged and is embedded in the acknowledgement
// body; it never influences the HTTP status.
type Outcome struct {
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	PaymentID    string    `json:"paymentId,omitempty"`
	AccountID    string    `json:"accountId,omitempty"`
	IntentKind   string    `json:"intentKind,omitempty"`
	CreditsAdded int64     `json:"creditsAdded,omitempty"`
}

// Ignored builds an ignored outcome: no mutation happened and none was due.
func Ignored(reason, paymentID string) Outcome {
	return Outcome{Status: StatusIgnored, Reason: reason, PaymentID: paymentID}
}

// Failed builds a failed outcome.
func Failed(kind ErrorKind, detail, paymentID string) Outcome {
	return Outcome{Status: StatusFailed, ErrorKind: kind, Detail: detail, PaymentID: paymentID}
}

// Reconciler orchestrates one notification end to end.
type Reconciler struct {
	gateway  PaymentFetcher
	resolver AccountResolver
	accounts account.Store
}

// PaymentFetcher fetches authoritative payment records.
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, id string) (*gateway.Payment, error)
}

// AccountResolver maps account references to users.
type AccountResolver interface {
	Resolve(ctx context.Context, accountRef string) (*identity.User, error)
}

// New creates a reconciler. All dependencies are explicit so tests can
// substitute fakes and so a missing gateway credential fails at construction
// of the client, once, instead of lazily on the first event.
func New(fetcher PaymentFetcher, resolver AccountResolver, accounts account.Store) *Reconciler {
	return &Reconciler{gateway: fetcher, resolver: resolver, accounts: accounts}
}

// Process reconciles one payment event. It never returns an error: every
// failure mode is folded into the Outcome so the receiver can acknowledge
// receipt regardless, and failures are logged here with enough context to
// reconstruct the event later.
func (r *Reconciler) Process(ctx context.Context, ev Event) Outcome {
	ctx, span := traces.StartSpan(ctx, "reconcile.Process",
		traces.EventKind(ev.Kind), traces.PaymentID(ev.ResourceID))
	defer span.End()

	out := r.process(ctx, ev)

	span.SetAttributes(traces.OutcomeStatus(string(out.Status)))
	if out.AccountID != "" {
		span.SetAttributes(traces.AccountID(out.AccountID))
	}
	if out.Status == StatusFailed {
		span.SetStatus(codes.Error, string(out.ErrorKind))
	}
	return out
}

// process runs the reconciliation state machine: gate on the event kind,
// fetch the authoritative payment, gate on status, decode, resolve, apply.
func (r *Reconciler) process(ctx context.Context, ev Event) Outcome {
	log := logging.L(ctx)

	if ev.Kind != EventKindPayment {
		return Ignored("non-payment event", "")
	}
	if ev.ResourceID == "" {
		log.Warn("payment event without resource id")
		return Failed(ErrorValidation, "missing resource id", "")
	}

	payment, err := r.gateway.FetchPayment(ctx, ev.ResourceID)
	if err != nil {
		return r.classifyGatewayFailure(ctx, ev.ResourceID, err)
	}

	// Status gate: only approved payments may ever reach the store.
	if !payment.Approved() {
		log.Info("ignoring unapproved payment",
			"payment_id", payment.ID,
			"payment_status", payment.Status,
		)
		return Ignored(fmt.Sprintf("payment status %s", payment.Status), payment.ID)
	}

	in, err := intent.Decode(payment)
	if err != nil {
		log.Error("payment carries undecodable intent",
			"payment_id", payment.ID,
			"external_reference", payment.ExternalReference,
			"error", err,
		)
		return Failed(ErrorDecode, err.Error(), payment.ID)
	}

	user, err := r.resolver.Resolve(ctx, in.AccountRef)
	if err != nil {
		log.Error("cannot resolve account for approved payment",
			"payment_id", payment.ID,
			"account_ref", in.AccountRef,
			"error", err,
		)
		return Failed(ErrorResolve, err.Error(), payment.ID)
	}

	res, err := r.accounts.ApplyCredit(ctx, user.ID, payment.ID, deltaFor(in))
	if err != nil {
		log.Error("failed to apply credit",
			"payment_id", payment.ID,
			"account_id", user.ID,
			"error", err,
		)
		return Failed(ErrorStore, err.Error(), payment.ID)
	}

	if !res.Applied {
		metrics.DuplicatePaymentsTotal.Inc()
		log.Info("payment already applied",
			"payment_id", payment.ID,
			"account_id", user.ID,
		)
		return Outcome{
			Status:    StatusAlreadyProcessed,
			PaymentID: payment.ID,
			AccountID: user.ID,
		}
	}

	metrics.CreditsAppliedTotal.WithLabelValues(string(in.Kind)).Inc()
	log.Info("payment credited",
		"payment_id", payment.ID,
		"account_id", user.ID,
		"intent_kind", string(in.Kind),
		"amount", res.AmountApplied,
	)
	return Outcome{
		Status:       StatusCredited,
		PaymentID:    payment.ID,
		AccountID:    user.ID,
		IntentKind:   string(in.Kind),
		CreditsAdded: res.AmountApplied,
	}
}

func (r *Reconciler) classifyGatewayFailure(ctx context.Context, resourceID string, err error) Outcome {
	log := logging.L(ctx)

	switch {
	case errors.Is(err, gateway.ErrNotFound):
		// Test or expired payments. Not a fault.
		log.Info("payment not found at gateway", "payment_id", resourceID)
		return Ignored("payment not found", resourceID)

	case errors.Is(err, gateway.ErrUnauthorized):
		// The credential is bad: every future lookup will fail the same way
		// while the endpoint keeps acking. This line is the alert signal.
		log.Error("gateway rejected access token; reconciliation is blocked for all payments",
			"payment_id", resourceID,
		)
		return Failed(ErrorUnauthorized, "gateway rejected credentials", resourceID)

	case errors.Is(err, gateway.ErrUnreachable):
		log.Error("gateway unreachable", "payment_id", resourceID, "error", err)
		return Failed(ErrorUnreachable, err.Error(), resourceID)

	default:
		var serverErr *gateway.ServerError
		if errors.As(err, &serverErr) {
			log.Error("gateway server error",
				"payment_id", resourceID,
				"status", serverErr.Status,
			)
			return Failed(ErrorServer, serverErr.Error(), resourceID)
		}
		log.Error("gateway lookup failed", "payment_id", resourceID, "error", err)
		return Failed(ErrorServer, err.Error(), resourceID)
	}
}

// deltaFor maps a decoded intent onto a store delta. Adding a product type
// means adding a case here and a Kind in the intent package.
func deltaFor(in *intent.CreditIntent) account.Delta {
	switch in.Kind {
	case intent.KindReviewPackage:
		return account.Delta{ReviewUnits: in.Units}
	default:
		return account.Delta{Credits: in.Credits, PackageID: in.PackageID}
	}
}
