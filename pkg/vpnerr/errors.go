// Package vpnerr holds the error taxonomy shared by the provisioning service
// and the tunnel client.
package vpnerr

import (
	"errors"
	"net/http"
)

var (
	ErrNetworkUnreachable      = errors.New("network unreachable")
	ErrTokenAlreadyUsed        = errors.New("token already used")
	ErrBlindVerificationFailed = errors.New("blind signature verification failed")
	ErrNoServersAvailable      = errors.New("no servers available")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInterface               = errors.New("interface error")
	ErrDriverMissing           = errors.New("wireguard driver or tool missing")
	ErrFirewall                = errors.New("firewall error")
	ErrPermissionDenied        = errors.New("permission denied")
	ErrMalformedInput          = errors.New("malformed input")
	ErrConnectionFailed        = errors.New("connection failed")
)

// ConnectionFailed carries a detail string; errors.Is matches ErrConnectionFailed.
type ConnectionFailed struct {
	Detail string
}

func (e *ConnectionFailed) Error() string {
	if e.Detail == "" {
		return ErrConnectionFailed.Error()
	}
	return ErrConnectionFailed.Error() + ": " + e.Detail
}

func (e *ConnectionFailed) Is(target error) bool {
	return target == ErrConnectionFailed
}

func NewConnectionFailed(detail string) error {
	return &ConnectionFailed{Detail: detail}
}

// HTTPStatus maps a provisioning error to the status code returned to callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrBlindVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTokenAlreadyUsed),
		errors.Is(err, ErrNoServersAvailable),
		errors.Is(err, ErrMalformedInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-facing message for err. Internal failures
// collapse to a generic string so no detail leaks over the wire.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrBlindVerificationFailed):
		return "Unauthorized"
	case errors.Is(err, ErrTokenAlreadyUsed):
		return "Token already used"
	case errors.Is(err, ErrNoServersAvailable):
		return "No active servers in this location"
	case errors.Is(err, ErrMalformedInput):
		return "Malformed input"
	default:
		return "Internal server error"
	}
}
