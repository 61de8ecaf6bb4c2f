package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Client order ids attribute orders to this engine and its run mode and
// correlate broker events with logs. State lookups always key on the
// broker-assigned order id, never on these.

// Alpaca rejects client order ids longer than 48 characters
const clientOrderIDMaxLen = 48

const clientOrderIDPrefix = "dca"

// Run mode tags embedded in client order ids
const (
	ModeLive  = "live"
	ModePaper = "paper"
	ModeTest  = "test"
)

var (
	ErrClientOrderIDTooLong = errors.New("client order id exceeds broker limit")
	ErrUnknownOrderIDMode   = errors.New("unknown client order id mode")
)

// ClientOrderIDGenerator produces ids of the form dca-<mode>-<uuid>
type ClientOrderIDGenerator struct {
	mode string
}

// NewClientOrderIDGenerator creates a generator for the given run mode
func NewClientOrderIDGenerator(mode string) (*ClientOrderIDGenerator, error) {
	switch mode {
	case ModeLive, ModePaper, ModeTest:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrderIDMode, mode)
	}
	return &ClientOrderIDGenerator{mode: mode}, nil
}

// Generate returns a fresh client order id
func (g *ClientOrderIDGenerator) Generate() string {
	return fmt.Sprintf("%s-%s-%s", clientOrderIDPrefix, g.mode, uuid.NewString())
}

// Mode returns the generator's run mode tag
func (g *ClientOrderIDGenerator) Mode() string {
	return g.mode
}

// ParseMode extracts the run mode tag from a client order id produced by
// this engine. The second return is false for foreign ids.
func ParseMode(clientOrderID string) (string, bool) {
	parts := strings.SplitN(clientOrderID, "-", 3)
	if len(parts) != 3 || parts[0] != clientOrderIDPrefix {
		return "", false
	}
	switch parts[1] {
	case ModeLive, ModePaper, ModeTest:
		return parts[1], true
	}
	return "", false
}

// ValidateClientOrderID checks the broker's length limit
func ValidateClientOrderID(id string) error {
	if len(id) > clientOrderIDMaxLen {
		return fmt.Errorf("%w: %d > %d", ErrClientOrderIDTooLong, len(id), clientOrderIDMaxLen)
	}
	return nil
}
