package broker

import (
	"context"
	"errors"
	"net"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// Sentinel errors for lookups
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrPositionNotFound = errors.New("position not found")
)

// IsTransient reports whether an error is worth retrying: network
// failures, timeouts, rate limiting, and broker 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the broker refused the request outright
// (insufficient funds, bad quantity, unknown symbol). Rejections are
// not retried; the next tick reassesses.
func IsRejected(err error) bool {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != 404 && apiErr.StatusCode != 429
	}
	return false
}

// IsNotFound reports whether the error means the order or position does
// not exist at the broker
func IsNotFound(err error) bool {
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPositionNotFound) {
		return true
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404
	}
	return false
}
