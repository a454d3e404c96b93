package account

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unijobs/platform/internal/logging"
	"github.com/unijobs/platform/internal/pagination"
)

// RefResolver maps an opaque account reference (email or user id) to a
// canonical account id.
type RefResolver interface {
	ResolveAccountID(ctx context.Context, ref string) (string, error)
}

// Handler provides read-only HTTP endpoints for account state. These exist
// so a "my purchase didn't show up" report can be diagnosed without a
// database session.
type Handler struct {
	store    Store
	resolver RefResolver
}

// NewHandler creates an account handler.
func NewHandler(store Store, resolver RefResolver) *Handler {
	return &Handler{store: store, resolver: resolver}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:ref/balance", h.GetBalance)
	r.GET("/accounts/:ref/ledger", h.GetLedger)
}

// GetBalance handles GET /v1/accounts/:ref/balance
func (h *Handler) GetBalance(c *gin.Context) {
	ctx := c.Request.Context()

	accountID, err := h.resolver.ResolveAccountID(ctx, c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_account",
			"message": "No account matches this reference",
		})
		return
	}

	acc, err := h.store.Get(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		// Accounts are created on first credit; absent means zero.
		acc = &Account{ID: accountID}
	} else if err != nil {
		logging.L(ctx).Error("failed to load account", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}

	var remainingUnits int64
	for i := range acc.ReviewPackages {
		remainingUnits += acc.ReviewPackages[i].RemainingUnits()
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId":            acc.ID,
		"creditBalance":        acc.CreditBalance,
		"reviewPackages":       acc.ReviewPackages,
		"remainingReviewUnits": remainingUnits,
		"appliedPayments":      len(acc.AppliedPaymentIDs),
	})
}

// GetLedger handles GET /v1/accounts/:ref/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	ctx := c.Request.Context()

	accountID, err := h.resolver.ResolveAccountID(ctx, c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_account",
			"message": "No account matches this reference",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	before, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	entries, err := h.store.History(ctx, accountID, HistoryQuery{Limit: limit, Before: before})
	if err != nil {
		logging.L(ctx).Error("failed to load ledger", "account_id", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load ledger",
		})
		return
	}

	entries, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"accountId":  accountID,
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}
