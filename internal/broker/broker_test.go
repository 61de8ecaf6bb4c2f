package broker

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolRoundTrip(t *testing.T) {
	assert.Equal(t, "BTCUSD", brokerSymbol("BTC/USD"))
	assert.Equal(t, "BTC/USD", slashSymbol("BTCUSD"))
	assert.Equal(t, "BTC/USDT", slashSymbol("BTCUSDT"), "longest quote suffix wins")
	assert.Equal(t, "ETH/BTC", slashSymbol("ETHBTC"))
	assert.Equal(t, "BTC/USD", slashSymbol("BTC/USD"), "slash form passes through")
	assert.Equal(t, "USD", slashSymbol("USD"), "bare quote currency stays as-is")
	assert.Equal(t, "XYZ", slashSymbol("XYZ"), "unknown quote currency stays as-is")
}

func TestClientOrderIDGenerator(t *testing.T) {
	gen, err := NewClientOrderIDGenerator(ModePaper)
	require.NoError(t, err)

	id := gen.Generate()
	assert.True(t, strings.HasPrefix(id, "dca-paper-"), id)
	assert.NoError(t, ValidateClientOrderID(id))
	assert.Equal(t, ModePaper, gen.Mode())

	mode, ok := ParseMode(id)
	require.True(t, ok)
	assert.Equal(t, ModePaper, mode)

	assert.NotEqual(t, id, gen.Generate())
}

func TestClientOrderIDGeneratorRejectsUnknownMode(t *testing.T) {
	_, err := NewClientOrderIDGenerator("staging")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownOrderIDMode)
}

func TestParseModeForeignIDs(t *testing.T) {
	for _, id := range []string{"", "abc", "dca-", "dca-staging-1234", "manual-order-1"} {
		_, ok := ParseMode(id)
		assert.False(t, ok, "id %q", id)
	}
}

func TestValidateClientOrderIDLength(t *testing.T) {
	assert.NoError(t, ValidateClientOrderID(strings.Repeat("x", 48)))
	assert.ErrorIs(t, ValidateClientOrderID(strings.Repeat("x", 49)), ErrClientOrderIDTooLong)
}

func TestErrorClassification(t *testing.T) {
	server := &alpaca.APIError{StatusCode: 503, Message: "unavailable"}
	rateLimited := &alpaca.APIError{StatusCode: 429, Message: "too many requests"}
	rejected := &alpaca.APIError{StatusCode: 403, Message: "insufficient balance"}
	missing := &alpaca.APIError{StatusCode: 404, Message: "order not found"}

	assert.True(t, IsTransient(server))
	assert.True(t, IsTransient(rateLimited))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(rejected))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsRejected(rejected))
	assert.False(t, IsRejected(rateLimited), "rate limiting is transient, not a rejection")
	assert.False(t, IsRejected(missing))
	assert.False(t, IsRejected(server))

	assert.True(t, IsNotFound(missing))
	assert.True(t, IsNotFound(ErrOrderNotFound))
	assert.True(t, IsNotFound(ErrPositionNotFound))
	assert.False(t, IsNotFound(rejected))
}

func TestIsTransientNetworkError(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.True(t, IsTransient(err))
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []string{"filled", "canceled", "expired", "rejected", "replaced", "stopped", "done_for_day"} {
		assert.True(t, IsTerminalStatus(s), s)
	}
	for _, s := range []string{"new", "accepted", "partially_filled", "pending_cancel", ""} {
		assert.False(t, IsTerminalStatus(s), s)
	}
}
