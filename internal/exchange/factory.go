package exchange

import (
	"fmt"
	"log/slog"

	"stablearb/internal/config"
	"stablearb/internal/model"
)

// NewSource creates the market data source named by cfg.Source.
func NewSource(logger *slog.Logger, cfg config.ExchangeConfig, bases, quotes []string) (Source, error) {
	switch cfg.Source {
	case "simulated":
		return NewSimulatedFeed(cfg.Simulation, bases, quotes), nil
	case "binance":
		return NewBinanceStream(logger, cfg.WSURL, bases, quotes, cfg.StaleAfter), nil
	case "redis":
		return NewRedisFeed(cfg.RedisAddr, cfg.RedisPrefix, cfg.StaleAfter), nil
	default:
		return nil, model.ConfigurationError("new market data source", fmt.Errorf("unknown exchange source: %s", cfg.Source))
	}
}
