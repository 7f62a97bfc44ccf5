// Package validation provides input validation middleware for the marketplace API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// steamIDRegex validates 64-bit SteamIDs. Individual accounts start
	// with 7656119 and are 17 digits total.
	steamIDRegex = regexp.MustCompile(`^7656119[0-9]{10}$`)
	// tradeURLRegex validates Steam trade offer URLs
	tradeURLRegex = regexp.MustCompile(`^https://steamcommunity\.com/tradeoffer/new/\?partner=[0-9]+&token=[a-zA-Z0-9_-]{8}$`)
	// uuidRegex validates trade UUIDs in URL parameters
	uuidRegex = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSteamID checks if a string is a valid 64-bit SteamID
func IsValidSteamID(id string) bool {
	return steamIDRegex.MatchString(id)
}

// IsValidTradeURL checks if a string is a valid Steam trade offer URL
func IsValidTradeURL(u string) bool {
	return tradeURLRegex.MatchString(u)
}

// IsValidTradeUUID checks if a string is a valid trade identifier
func IsValidTradeUUID(s string) bool {
	return uuidRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
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

// Validate validates a request and returns errors
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

// ValidSteamID checks if a field is a valid SteamID
func ValidSteamID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidSteamID(value) {
			return &ValidationError{Field: field, Message: "must be a valid 17-digit SteamID64"}
		}
		return nil
	}
}

// ValidTradeURL checks if a field is a valid Steam trade offer URL
func ValidTradeURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTradeURL(value) {
			return &ValidationError{Field: field, Message: "must be a valid Steam trade offer URL"}
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

// ValidAmount checks if a value is a positive money amount with at most
// two decimal places
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if d.Exponent() < -2 {
			return &ValidationError{Field: field, Message: "at most two decimal places"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// SteamIDParamMiddleware validates the :steam_id URL parameter on routes that
// use it. Apply to route groups that include :steam_id params to reject
// malformed identifiers early.
func SteamIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("steam_id")
		if id != "" && !IsValidSteamID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_steam_id",
				"message": "steam_id must be a valid 17-digit SteamID64",
			})
			return
		}
		c.Next()
	}
}

// TradeUUIDParamMiddleware validates the :uuid URL parameter on trade routes.
func TradeUUIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		uuid := c.Param("uuid")
		if uuid != "" && !IsValidTradeUUID(uuid) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_trade_uuid",
				"message": "uuid must be a valid trade identifier",
			})
			return
		}
		c.Next()
	}
}
