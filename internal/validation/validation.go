// Package validation provides input validation middleware and helpers for
// the platform API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). Gateway
// notification bodies are a few hundred bytes; anything near the limit is
// garbage or abuse.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// emailRegex is a permissive shape check, not RFC 5322. Account references
// containing "@" are treated as emails downstream, so the only goal here is
// catching obvious junk early.
var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// paymentIDRegex matches gateway payment ids: decimal digits only.
var paymentIDRegex = regexp.MustCompile(`^[0-9]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail checks whether a string looks like an email address.
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// IsValidPaymentID checks whether a string is a plausible gateway payment id.
func IsValidPaymentID(s string) bool {
	return s != "" && len(s) <= 32 && paymentIDRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidPaymentID checks that a field is a plausible payment id when present.
func ValidPaymentID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // use Required for required fields
		}
		if !IsValidPaymentID(value) {
			return &ValidationError{Field: field, Message: "must be a numeric payment id"}
		}
		return nil
	}
}

// AccountRefParamMiddleware validates the :ref URL parameter on the account
// read routes. A reference containing "@" resolves as an email downstream,
// so obviously malformed emails are rejected here with a 400 instead of
// surfacing as a confusing unknown-account 404.
func AccountRefParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := SanitizeString(c.Param("ref"), MaxStringLength)

		errs := Validate(
			Required("ref", ref),
			MaxLength("ref", ref, 255),
		)
		if len(errs) == 0 && strings.Contains(ref, "@") && !IsValidEmail(ref) {
			errs = append(errs, ValidationError{Field: "ref", Message: "must be a valid email address"})
		}
		if len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account_ref",
				"message": errs.Error(),
			})
			return
		}
		c.Next()
	}
}

// PaymentIDParamMiddleware validates the :paymentId URL parameter on routes
// that use it, rejecting malformed ids before any gateway call.
func PaymentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("paymentId")
		if id != "" && !IsValidPaymentID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_id",
				"message": "payment id must be numeric",
			})
			return
		}
		c.Next()
	}
}
