package exchange

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		code    string
		message string
		want    Kind
	}{
		{"rate limit", 429, "", "too many requests", KindRateLimited},
		{"unauthorized", 401, "", "", KindAuth},
		{"forbidden", 403, "", "", KindAuth},
		{"not found status", 404, "", "", KindNotFound},
		{"post-only rejection", 400, "", "Order would immediately match and take", KindWouldMatch},
		{"server error", 503, "", "upstream unavailable", KindTransient},
		{"invalid price code", 400, "INVALID_PRICE", "", KindValidation},
		{"decimal too long", 400, "PRICE_DECIMAL_TOO_LONG", "Price decimal too long", KindValidation},
		{"order not found code", 400, "ORDER_NOT_FOUND", "", KindNotFound},
		{"invalid signature", 400, "INVALID_SIGNATURE", "", KindAuth},
		{"expired signature is retryable", 400, "EXPIRED_SIGNATURE", "", KindTransient},
		{"generic 4xx", 422, "", "unprocessable", KindValidation},
		{"unclassified", 0, "", "connection weirdness", KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.status, tc.code, tc.message))
		})
	}
}

func TestKindOfWalksWrappedErrors(t *testing.T) {
	inner := &APIError{Kind: KindRateLimited, Status: 429, Message: "slow down"}
	wrapped := fmt.Errorf("refreshing snapshot: %w", fmt.Errorf("account settings: %w", inner))

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, IsRateLimited(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestKindOfNetworkFailures(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))

	var netErr net.Error = &net.DNSError{Err: "timeout", IsTimeout: true}
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("dial: %w", netErr)))

	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("plain")))
}

func TestAPIErrorMessage(t *testing.T) {
	withCode := &APIError{Kind: KindValidation, Status: 400, Code: "INVALID_ORDER", Message: "bad qty"}
	assert.Contains(t, withCode.Error(), "INVALID_ORDER")
	assert.Contains(t, withCode.Error(), "validation")

	noCode := &APIError{Kind: KindTransient, Status: 502, Message: "bad gateway"}
	assert.Contains(t, noCode.Error(), "transient")
}
