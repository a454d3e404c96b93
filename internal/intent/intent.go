// Package intent decodes a payment record into a typed credit intent.
//
// Two formats coexist. New integrations put structured keys in the payment's
// metadata; payments created before that carry an underscore-delimited
// composite key in external_reference. The metadata path always wins when
// both are present. New product types get a new Kind and a metadata shape —
// the legacy format is frozen.
package intent

import (
	"errors"
	"strconv"
	"strings"

	"github.com/unijobs/platform/internal/gateway"
)

var (
	// ErrUnparseable: neither the metadata nor the legacy reference yields
	// a usable intent.
	ErrUnparseable = errors.New("intent: payment carries no decodable credit intent")

	// ErrInvalidQuantity: a quantity token decoded to zero or negative.
	// This is a hard failure, never a zero-credit no-op — silently applying
	// nothing would mask corrupted upstream data.
	ErrInvalidQuantity = errors.New("intent: credit quantity must be a positive integer")
)

// Metadata keys for the structured format.
const (
	MetaAccountRef    = "account_ref"
	MetaPackageID     = "package_id"
	MetaCreditsAmount = "credits_amount"
)

// Kind discriminates the credit intent union.
type Kind string

const (
	// KindCredits is a purchase of fungible CV credits (structured metadata).
	KindCredits Kind = "credits"
	// KindReviewPackage is a legacy purchase of review units (external reference).
	KindReviewPackage Kind = "review_package"
)

// CreditIntent is the decoded, typed description of what to credit.
type CreditIntent struct {
	Kind       Kind
	AccountRef string // email or internal account id; resolved downstream
	PackageID  string // credits purchases only
	Credits    int64  // credits purchases only
	Units      int64  // review-package purchases only
}

// Decode extracts the credit intent from a payment record.
//
// Priority: structured metadata first, legacy external reference second.
func Decode(p *gateway.Payment) (*CreditIntent, error) {
	if in, ok, err := decodeMetadata(p.Metadata); ok {
		return in, err
	}
	if p.ExternalReference != "" {
		return decodeLegacy(p.ExternalReference)
	}
	return nil, ErrUnparseable
}

// decodeMetadata handles the structured path. The boolean reports whether
// the metadata claims to be a credits purchase at all; when it does, any
// defect inside it is an error rather than a fallthrough to the legacy path.
func decodeMetadata(md map[string]string) (*CreditIntent, bool, error) {
	pkgID, hasPkg := md[MetaPackageID]
	amountStr, hasAmount := md[MetaCreditsAmount]
	if !hasPkg || !hasAmount {
		return nil, false, nil
	}

	accountRef := strings.TrimSpace(md[MetaAccountRef])
	if accountRef == "" {
		return nil, true, ErrUnparseable
	}

	credits, err := strconv.ParseInt(strings.TrimSpace(amountStr), 10, 64)
	if err != nil {
		return nil, true, ErrInvalidQuantity
	}
	if credits <= 0 {
		return nil, true, ErrInvalidQuantity
	}

	return &CreditIntent{
		Kind:       KindCredits,
		AccountRef: accountRef,
		PackageID:  pkgID,
		Credits:    credits,
	}, true, nil
}

// decodeLegacy parses "<accountRef>_<units>_<timestampMillis>".
//
// The account reference may itself contain underscores (emails like
// "a_b@example.com"), so the last two tokens are popped off the end and
// everything before them is rejoined — never split from the front.
func decodeLegacy(ref string) (*CreditIntent, error) {
	tokens := strings.Split(ref, "_")
	if len(tokens) < 3 {
		return nil, ErrUnparseable
	}

	unitsToken := tokens[len(tokens)-2]
	accountRef := strings.Join(tokens[:len(tokens)-2], "_")
	if accountRef == "" {
		return nil, ErrUnparseable
	}

	units, err := strconv.ParseInt(unitsToken, 10, 64)
	if err != nil {
		return nil, ErrInvalidQuantity
	}
	if units <= 0 {
		return nil, ErrInvalidQuantity
	}

	return &CreditIntent{
		Kind:       KindReviewPackage,
		AccountRef: accountRef,
		Units:      units,
	}, nil
}

// EncodeLegacyReference builds the legacy composite key. Kept for the
// checkout flow that still writes it and for round-trip tests.
func EncodeLegacyReference(accountRef string, units int64, timestampMillis int64) string {
	return accountRef + "_" + strconv.FormatInt(units, 10) + "_" + strconv.FormatInt(timestampMillis, 10)
}
