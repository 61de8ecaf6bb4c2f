package broker

import "strings"

// Quote currencies Alpaca lists crypto pairs against, longest first so
// that suffix matching is unambiguous ("BTCUSDT" is BTC/USDT, not BTC/USD + T).
var quoteCurrencies = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// brokerSymbol converts a slash-form symbol to the compact form the
// trading API reports ("BTC/USD" -> "BTCUSD")
func brokerSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// slashSymbol converts a compact broker symbol back to slash form
// ("BTCUSD" -> "BTC/USD"). Symbols already containing a slash pass
// through unchanged; unrecognized quote currencies are returned as-is.
func slashSymbol(symbol string) string {
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "/" + quote
		}
	}
	return symbol
}
