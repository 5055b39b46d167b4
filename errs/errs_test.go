package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeSurvivesWrapping(t *testing.T) {
	var base = New(BusinessRule, "insufficient credit, shortfall = 900.00")
	var wrapped = fmt.Errorf("admitting order: %w", base)
	var twice = fmt.Errorf("dispatching intent: %w", wrapped)

	require.Equal(t, BusinessRule, CodeOf(twice))
	require.Equal(t, "insufficient credit, shortfall = 900.00", MessageOf(twice))
}

func TestUncodedErrorsAreInternal(t *testing.T) {
	var err = errors.New("pq: connection reset")
	require.Equal(t, Internal, CodeOf(err))
	require.Equal(t, "internal server error", MessageOf(err))
	require.Equal(t, Code(""), CodeOf(nil))
}

func TestHTTPStatusMapping(t *testing.T) {
	var cases = []struct {
		code Code
		want int
	}{
		{Validation, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{Unauthorized, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{Conflict, http.StatusConflict},
		{BusinessRule, http.StatusUnprocessableEntity},
		{ExternalService, http.StatusBadGateway},
		{Transient, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.code.HTTPStatus(), "code %s", tc.code)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	var cause = errors.New("dial tcp: timeout")
	var err = Wrap(ExternalService, cause, "messaging gateway unreachable")

	require.ErrorIs(t, err, cause)
	require.Equal(t, ExternalService, CodeOf(err))
	require.True(t, IsTransient(New(Transient, "serialization failure")))
	require.False(t, IsTransient(err))
}

func TestDetailAccumulates(t *testing.T) {
	var err = New(BusinessRule, "monopoly cap").
		WithDetail("vendor_id", "v1").
		WithDetail("share", 0.62)
	require.Equal(t, "v1", err.Detail["vendor_id"])
	require.Equal(t, 0.62, err.Detail["share"])
}
