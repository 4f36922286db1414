package exchange

import "time"

func (p *PaperExchange) SetClock(now func() time.Time) { p.now = now }

func (p *PaperExchange) OrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}
