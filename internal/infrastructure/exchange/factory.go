package exchange

import (
	"fmt"
	"strings"

	"github.com/vitos/copytrade/internal/domain"
)

// Credentials are resolved from the environment by the config layer.
type Credentials struct {
	APIKey    string
	APISecret string
}

// New builds the adapter for broker. Paper accounts start with paperQuote of cash.
func New(broker string, creds Credentials, deps Deps, s Settings, paperQuote float64) (domain.Broker, error) {
	switch strings.ToLower(broker) {
	case "kraken":
		k, err := NewKrakenAdapter(creds.APIKey, creds.APISecret, deps, s)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "coinbase":
		c, err := NewCoinbaseAdapter(creds.APIKey, creds.APISecret, deps, s)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "bybit":
		return NewBybitAdapter(creds.APIKey, creds.APISecret, deps, s), nil
	case "paper":
		return NewPaperAdapter(paperQuote, deps, s), nil
	}
	return nil, fmt.Errorf("unknown broker %q", broker)
}
