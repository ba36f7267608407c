// Package validation checks request input for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 64KB; no endpoint accepts more.
const MaxRequestSize = 64 << 10

// MaxDescriptionLength bounds free-text fields such as payment descriptions
// and cancellation reasons.
const MaxDescriptionLength = 500

var (
	// userIDRegex accepts opaque identifiers issued by the upstream user service.
	userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)
	// phoneRegex accepts an optional + and 8 to 15 digits after normalization.
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID reports whether id looks like an upstream user identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// NormalizePhone strips spaces, dashes, dots and parentheses.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// IsValidPhone reports whether phone is a plausible mobile money number.
func IsValidPhone(phone string) bool {
	return phoneRegex.MatchString(NormalizePhone(phone))
}

// SanitizeString trims whitespace, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-blank.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks an optional user identifier field.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, _ . : -"}
		}
		return nil
	}
}

// ValidPhone checks an optional phone number field.
func ValidPhone(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidPhone(value) {
			return &ValidationError{Field: field, Message: "must be 8-15 digits, optionally prefixed with +"}
		}
		return nil
	}
}

// PositiveAmount checks an integer amount in minor currency units.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// MaxLength checks a field against a byte length.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PrefixedIDParamMiddleware rejects a malformed :param before it reaches
// the handler. IDs minted by this service always carry a known prefix.
func PrefixedIDParamMiddleware(param, prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param(param)
		if id != "" && (!strings.HasPrefix(id, prefix) || len(id) > 64) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must start with " + prefix,
			})
			return
		}
		c.Next()
	}
}
