package risk

import (
	"fmt"
	"strings"

	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

const BlacklistName = "blacklist"

// Blacklist denies listed assets, markets or exact trade directions.
// Entries are BTC (the whole asset), BTCUSDT (either leg on that market)
// or BTC:USDT:USDC (that buy/sell direction only).
type Blacklist struct {
	noObserve
	entries map[string]bool
}

func NewBlacklist(cfg config.BlacklistConfig) (*Blacklist, error) {
	entries := make(map[string]bool, len(cfg.Entries))
	for _, e := range cfg.Entries {
		e = strings.ToUpper(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.Contains(e, ":") && len(strings.Split(e, ":")) != 3 {
			return nil, model.ConfigurationError("build blacklist", fmt.Errorf("entry %q is not BASE:BUY:SELL", e))
		}
		entries[e] = true
	}
	return &Blacklist{entries: entries}, nil
}

func (c *Blacklist) Name() string { return BlacklistName }

func (c *Blacklist) Check(opp model.Opportunity, _ *state.EngineState) Decision {
	keys := []string{
		opp.BaseAsset,
		opp.BaseAsset + opp.BuyQuote,
		opp.BaseAsset + opp.SellQuote,
		opp.BaseAsset + ":" + opp.BuyQuote + ":" + opp.SellQuote,
	}
	for _, k := range keys {
		if c.entries[k] {
			return deny(BlacklistName, "%s is blacklisted", k)
		}
	}
	return allow()
}
