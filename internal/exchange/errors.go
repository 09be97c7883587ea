package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an exchange failure into the buckets the engine branches
// on. Callers match on kind, never on message text.
type Kind int

const (
	// KindUnknown is any failure the client could not classify.
	KindUnknown Kind = iota
	// KindRateLimited means the account hit the private API rate limit.
	KindRateLimited
	// KindTransient covers timeouts, resets and 5xx responses worth retrying
	// on the next cycle.
	KindTransient
	// KindWouldMatch is the post-only rejection: the limit price would have
	// crossed the book and matched as taker.
	KindWouldMatch
	// KindValidation covers rejected request bodies (bad decimals, quantity
	// below minimum). Never retried.
	KindValidation
	// KindAuth is an authentication/authorization failure. Fatal for the bot.
	KindAuth
	// KindNotFound means the referenced order or resource no longer exists.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindWouldMatch:
		return "would_match"
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// APIError is a failure reported by the exchange API.
type APIError struct {
	Kind    Kind
	Status  int    // HTTP status, zero for transport failures
	Code    string // exchange error code when present
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange: %s (status %d, code %s): %s", e.Kind, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange: %s (status %d): %s", e.Kind, e.Status, e.Message)
}

// KindOf extracts the error kind, walking wrapped errors. Context deadline
// and network failures classify as transient so a tick can move on.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsWouldMatch reports the post-only "would immediately match" rejection.
func IsWouldMatch(err error) bool { return KindOf(err) == KindWouldMatch }

// IsValidation reports a permanently rejected request.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsAuth reports an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsNotFound reports a missing order/resource. Cancels treat this as success.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// classify maps an HTTP status plus exchange code/message to a Kind.
func classify(status int, code, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case strings.Contains(msg, "would immediately match"):
		return KindWouldMatch
	case status >= 500:
		return KindTransient
	}
	switch code {
	case "INVALID_ORDER", "INVALID_PRICE", "INVALID_QUANTITY", "PRICE_DECIMAL_TOO_LONG":
		return KindValidation
	case "RESOURCE_NOT_FOUND", "ORDER_NOT_FOUND":
		return KindNotFound
	case "INVALID_SIGNATURE", "UNAUTHORIZED":
		return KindAuth
	case "EXPIRED_SIGNATURE":
		// Signing windows expire on clock skew; the next attempt signs a
		// fresh timestamp, unlike a bad key.
		return KindTransient
	}
	if status >= 400 && status < 500 {
		// Remaining 4xx are request-shaped problems; not retryable.
		return KindValidation
	}
	return KindUnknown
}
