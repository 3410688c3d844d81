package svcerr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationCarriesFieldAndReason(t *testing.T) {
	err := Validation("eventId", "must not be empty")
	require.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	require.Equal(t, "eventId", err.Details["field"])
	require.Equal(t, "must not be empty", err.Details["reason"])
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(60, 30)
	require.Equal(t, http.StatusTooManyRequests, err.HTTPStatus)
	require.Equal(t, 60, err.Details["limit"])
	require.Equal(t, 30, err.Details["retry_after"])
}

func TestInternalUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("store write failed", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "disk full")
}

func TestWithDetailsChains(t *testing.T) {
	err := NotFound("event").WithDetails("id", "abc123")
	require.Equal(t, "abc123", err.Details["id"])
	require.Equal(t, "event", err.Details["resource"])
}
