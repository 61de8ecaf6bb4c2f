package broker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// Upper bound on any single REST call
const restTimeout = 10 * time.Second

// Config holds the Alpaca connection settings
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Paper     bool
	// IntegrationTest tags client order ids with the test mode
	IntegrationTest bool
}

// AlpacaGateway implements Gateway against the Alpaca crypto API
type AlpacaGateway struct {
	trading   *alpaca.Client
	apiKey    string
	apiSecret string
	idGen     *ClientOrderIDGenerator
	logger    zerolog.Logger
}

// Ensure AlpacaGateway implements the interface
var _ Gateway = (*AlpacaGateway)(nil)

// NewAlpacaGateway creates a gateway from the given config
func NewAlpacaGateway(cfg Config, logger zerolog.Logger) (*AlpacaGateway, error) {
	mode := ModeLive
	if cfg.Paper {
		mode = ModePaper
	}
	if cfg.IntegrationTest {
		mode = ModeTest
	}
	idGen, err := NewClientOrderIDGenerator(mode)
	if err != nil {
		return nil, err
	}

	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: restTimeout},
	})

	return &AlpacaGateway{
		trading:   trading,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		idGen:     idGen,
		logger:    logger.With().Str("component", "broker").Logger(),
	}, nil
}

// retryTransient runs fn with bounded exponential backoff, retrying only
// transient broker failures; rejections surface immediately
func retryTransient[T any](fn func() (T, error)) (T, error) {
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return IsTransient(err) }).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()
	return failsafe.Get(fn, policy)
}

func retryTransientRun(fn func() error) error {
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return IsTransient(err) }).
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()
	return failsafe.Run(fn, policy)
}

// SubmitLimitBuy places a GTC limit buy for qty at limitPrice
func (g *AlpacaGateway) SubmitLimitBuy(symbol string, qty, limitPrice decimal.Decimal) (*Order, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        brokerSymbol(symbol),
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.GTC,
		LimitPrice:    &limitPrice,
		ClientOrderID: g.idGen.Generate(),
	}
	o, err := retryTransient(func() (*alpaca.Order, error) {
		return g.trading.PlaceOrder(req)
	})
	if err != nil {
		return nil, fmt.Errorf("submit limit buy %s: %w", symbol, err)
	}
	order := mapOrder(o)
	g.logger.Info().
		Str("symbol", symbol).
		Str("order_id", order.ID).
		Str("qty", qty.String()).
		Str("limit_price", limitPrice.String()).
		Msg("Limit buy submitted")
	return order, nil
}

// SubmitMarketSell places a market sell for qty
func (g *AlpacaGateway) SubmitMarketSell(symbol string, qty decimal.Decimal) (*Order, error) {
	req := alpaca.PlaceOrderRequest{
		Symbol:        brokerSymbol(symbol),
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: g.idGen.Generate(),
	}
	o, err := retryTransient(func() (*alpaca.Order, error) {
		return g.trading.PlaceOrder(req)
	})
	if err != nil {
		return nil, fmt.Errorf("submit market sell %s: %w", symbol, err)
	}
	order := mapOrder(o)
	g.logger.Info().
		Str("symbol", symbol).
		Str("order_id", order.ID).
		Str("qty", qty.String()).
		Msg("Market sell submitted")
	return order, nil
}

// CancelOrder cancels an order by broker id
func (g *AlpacaGateway) CancelOrder(orderID string) error {
	err := retryTransientRun(func() error {
		return g.trading.CancelOrder(orderID)
	})
	if err != nil {
		if IsNotFound(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	g.logger.Info().Str("order_id", orderID).Msg("Order canceled")
	return nil
}

// GetOrder fetches a single order by broker id
func (g *AlpacaGateway) GetOrder(orderID string) (*Order, error) {
	o, err := retryTransient(func() (*alpaca.Order, error) {
		return g.trading.GetOrder(orderID)
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return mapOrder(o), nil
}

// ListOpenOrders fetches all open orders on the account
func (g *AlpacaGateway) ListOpenOrders() ([]Order, error) {
	orders, err := retryTransient(func() ([]alpaca.Order, error) {
		return g.trading.GetOrders(alpaca.GetOrdersRequest{
			Status: "open",
			Limit:  500,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	result := make([]Order, 0, len(orders))
	for i := range orders {
		result = append(result, *mapOrder(&orders[i]))
	}
	return result, nil
}

// GetPosition fetches the position for a symbol; ErrPositionNotFound when
// the account holds none
func (g *AlpacaGateway) GetPosition(symbol string) (*models.Position, error) {
	p, err := retryTransient(func() (*alpaca.Position, error) {
		return g.trading.GetPosition(brokerSymbol(symbol))
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrPositionNotFound
		}
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return &models.Position{
		Symbol:        slashSymbol(p.Symbol),
		Qty:           p.Qty,
		AvgEntryPrice: p.AvgEntryPrice,
	}, nil
}

func mapOrder(o *alpaca.Order) *Order {
	if o == nil {
		return nil
	}
	qty := decimal.Zero
	if o.Qty != nil {
		qty = *o.Qty
	}
	return &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         slashSymbol(o.Symbol),
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         o.Status,
		Qty:            qty,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		LimitPrice:     o.LimitPrice,
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
		CanceledAt:     o.CanceledAt,
		ExpiredAt:      o.ExpiredAt,
	}
}
