// Package validation provides request validation helpers for the finaiguard API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (4MB, enough for a full
// record batch).
const MaxRequestSize = 4 << 20

// MaxStringLength is the maximum length for free-text fields such as a
// retraction reason.
const MaxStringLength = 2000

// MaxIdentifierLength bounds record IDs and addresses.
const MaxIdentifierLength = 256

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// Addresses on non-EVM networks (base58, bech32, account names) share
	// this conservative alphabet.
	addressRegex = regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`)
	chainIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidAddress accepts EVM addresses and other network address formats.
func IsValidAddress(addr string) bool {
	if len(addr) == 0 || len(addr) > MaxIdentifierLength {
		return false
	}
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return IsValidEthAddress("0x" + addr[2:])
	}
	return addressRegex.MatchString(addr)
}

// SanitizeString removes null bytes, trims and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
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

// Validate runs validators and collects their errors.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Prefixed returns errs with every field name prefixed, for nested items
// such as records[3].wallet.
func (e ValidationErrors) Prefixed(prefix string) ValidationErrors {
	out := make(ValidationErrors, len(e))
	for i, v := range e {
		out[i] = ValidationError{Field: prefix + v.Field, Message: v.Message}
	}
	return out
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

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		value = strings.TrimSpace(value)
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address"}
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

// NonNegative checks that an amount is zero or more.
func NonNegative(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if value.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// ChainParamMiddleware rejects malformed :chain URL parameters early.
func ChainParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if chain := c.Param("chain"); chain != "" && !chainIDRegex.MatchString(chain) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_chain",
				"message": "chain must be 1-128 characters of [A-Za-z0-9_.-]",
			})
			return
		}
		c.Next()
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid wallet address",
			})
			return
		}
		c.Next()
	}
}
