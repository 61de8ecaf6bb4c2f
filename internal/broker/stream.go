package broker

import (
	"context"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

const (
	streamReconnectMin = 1 * time.Second
	streamReconnectMax = 60 * time.Second
)

// StreamQuotes subscribes to live crypto quotes for the given slash-form
// symbols and invokes onQuote for each update. It blocks until ctx is
// canceled, reconnecting with exponential backoff when the connection drops.
func (g *AlpacaGateway) StreamQuotes(ctx context.Context, symbols []string, onQuote func(models.Quote)) error {
	logger := g.logger.With().Str("stream", "quotes").Logger()
	backoff := streamReconnectMin

	for {
		client := stream.NewCryptoClient(
			marketdata.US,
			stream.WithCredentials(g.apiKey, g.apiSecret),
			stream.WithReconnectSettings(20, 500*time.Millisecond),
			stream.WithCryptoQuotes(func(q stream.CryptoQuote) {
				onQuote(models.Quote{
					Symbol:    slashSymbol(q.Symbol),
					BidPrice:  decimal.NewFromFloat(q.BidPrice),
					AskPrice:  decimal.NewFromFloat(q.AskPrice),
					Timestamp: q.Timestamp,
				})
			}, symbols...),
		)

		if err := client.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Dur("retry_in", backoff).Msg("Quote stream connect failed")
		} else {
			logger.Info().Strs("symbols", symbols).Msg("Quote stream connected")
			backoff = streamReconnectMin

			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-client.Terminated():
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Quote stream terminated")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamReconnectMax {
			backoff = streamReconnectMax
		}
	}
}

// StreamTradeUpdates subscribes to the account's order lifecycle events and
// invokes onUpdate for each one. Delivery is at-least-once; consumers dedupe
// on ExecutionID. Blocks until ctx is canceled, reconnecting with backoff.
func (g *AlpacaGateway) StreamTradeUpdates(ctx context.Context, onUpdate func(TradeUpdate)) error {
	logger := g.logger.With().Str("stream", "trade_updates").Logger()
	backoff := streamReconnectMin

	for {
		logger.Info().Msg("Trade update stream connecting")
		err := g.trading.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
			onUpdate(mapTradeUpdate(tu))
		}, alpaca.StreamTradeUpdatesRequest{})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Trade update stream terminated")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamReconnectMax {
			backoff = streamReconnectMax
		}
	}
}

func mapTradeUpdate(tu alpaca.TradeUpdate) TradeUpdate {
	return TradeUpdate{
		Event:       tu.Event,
		ExecutionID: tu.ExecutionID,
		Order:       *mapOrder(&tu.Order),
		FillPrice:   tu.Price,
		FillQty:     tu.Qty,
		PositionQty: tu.PositionQty,
		At:          tu.At,
	}
}
