package strategy

import "stablearb/internal/model"

const SimpleID = "simple"

// Simple buys at the cheaper quote's ask and sells at the richer quote's bid.
type Simple struct {
	p Params
}

func NewSimple(p Params) *Simple {
	return &Simple{p: p}
}

func (s *Simple) ID() string { return SimpleID }

func (s *Simple) Evaluate(in Input) (*model.Opportunity, error) {
	l, ok, err := bestLeg(SimpleID, s.p, in.Quotes)
	if err != nil || !ok {
		return nil, err
	}
	if !s.p.Clears(l.spread()) {
		return nil, nil
	}
	amount := s.p.AmountFor(l.buyPrice)
	if !amount.IsPositive() {
		return nil, nil
	}
	o := model.NewOpportunity(in.BaseAsset, l.buyQuote, l.sellQuote, l.buyPrice, l.sellPrice, amount, SimpleID, in.Now)
	return &o, nil
}
