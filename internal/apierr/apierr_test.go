package apierr_test

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/apierr"
)

func TestRateLimitedDetails(t *testing.T) {
	err := apierr.RateLimited("mutate", 450)
	assert.Equal(t, apierr.CodeRateLimited, err.Code)
	assert.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
	assert.Equal(t, "mutate", err.Details["group"])
	assert.Equal(t, int64(450), err.Details["retry_after_ms"])
}

func TestCapacityExceeded(t *testing.T) {
	err := apierr.CapacityExceeded("vless-in", 50)
	assert.Equal(t, apierr.CodeCapacityExceeded, err.Code)
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := apierr.Wrap(apierr.CodeRedisError, "state store unavailable", http.StatusServiceUnavailable, cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "refused")
}

func TestAsExtractsServiceError(t *testing.T) {
	wrapped := apierr.Internal("decode job envelope", errors.New("unexpected EOF"))
	var err error = wrapped

	se, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInternal, se.Code)
	assert.Equal(t, http.StatusInternalServerError, apierr.HTTPStatus(err))
}

func TestHTTPStatusDefaultsWhenNotServiceError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, apierr.HTTPStatus(errors.New("plain error")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", apierr.Truncate("hello", 10))

	long := strings.Repeat("a", 600)
	truncated := apierr.Truncate(long, 500)
	assert.Equal(t, 501, len([]rune(truncated))) // 500 chars + ellipsis marker
}
