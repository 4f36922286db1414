package risk

import (
	"fmt"
	"time"

	"stablearb/internal/config"
	"stablearb/internal/model"
	"stablearb/internal/state"
)

// Verdict is a controller's answer for one candidate.
type Verdict int

const (
	Allow Verdict = iota
	Deny
	HaltEngine
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case HaltEngine:
		return "halt"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is a verdict plus who gave it and why.
type Decision struct {
	Verdict    Verdict
	Controller string
	Reason     string
}

func allow() Decision { return Decision{Verdict: Allow} }

func deny(controller, format string, args ...any) Decision {
	return Decision{Verdict: Deny, Controller: controller, Reason: fmt.Sprintf(format, args...)}
}

func halt(controller, format string, args ...any) Decision {
	return Decision{Verdict: HaltEngine, Controller: controller, Reason: fmt.Sprintf(format, args...)}
}

// Controller is one gate in the pipeline. Controllers are shared by every
// asset loop and must be safe for concurrent use.
type Controller interface {
	Name() string
	Check(opp model.Opportunity, st *state.EngineState) Decision
	// Observe sees every terminal attempt, whether or not Check ran for it.
	Observe(a model.Attempt, st *state.EngineState)
}

// QuoteObserver is implemented by controllers that track market prices.
type QuoteObserver interface {
	ObserveQuotes(quotes []model.Quote, now time.Time)
}

// Pipeline runs controllers in configured order and stops at the first non-Allow.
type Pipeline struct {
	controllers []Controller
}

// NewPipeline builds a pipeline from already constructed controllers.
func NewPipeline(controllers ...Controller) *Pipeline {
	return &Pipeline{controllers: controllers}
}

// Evaluate checks opp against every controller in order. A HaltEngine verdict
// also sets the halt flag on st.
func (p *Pipeline) Evaluate(opp model.Opportunity, st *state.EngineState) Decision {
	for _, c := range p.controllers {
		d := c.Check(opp, st)
		if d.Verdict == Allow {
			continue
		}
		if d.Controller == "" {
			d.Controller = c.Name()
		}
		if d.Verdict == HaltEngine {
			st.Halt(d.Controller + ": " + d.Reason)
		}
		return d
	}
	return allow()
}

// Observe forwards a terminal attempt to every controller.
func (p *Pipeline) Observe(a model.Attempt, st *state.EngineState) {
	for _, c := range p.controllers {
		c.Observe(a, st)
	}
}

// ObserveQuotes forwards a cycle's quotes to every controller that tracks prices.
func (p *Pipeline) ObserveQuotes(quotes []model.Quote, now time.Time) {
	for _, c := range p.controllers {
		if o, ok := c.(QuoteObserver); ok {
			o.ObserveQuotes(quotes, now)
		}
	}
}

// AttemptWindowed is implemented by controllers that read attempt start times
// from the engine state.
type AttemptWindowed interface {
	AttemptWindow() time.Duration
}

// AttemptWindow is the longest attempt history any controller reads. The
// engine state must keep at least this much.
func (p *Pipeline) AttemptWindow() time.Duration {
	var longest time.Duration
	for _, c := range p.controllers {
		if w, ok := c.(AttemptWindowed); ok {
			longest = max(longest, w.AttemptWindow())
		}
	}
	return longest
}

// Names lists the controllers in evaluation order.
func (p *Pipeline) Names() []string {
	out := make([]string, 0, len(p.controllers))
	for _, c := range p.controllers {
		out = append(out, c.Name())
	}
	return out
}

// Build creates the enabled controllers in configured order.
func Build(cfg config.RiskConfig, loc *time.Location) (*Pipeline, error) {
	controllers := make([]Controller, 0, len(cfg.Enabled))
	seen := make(map[string]bool, len(cfg.Enabled))
	for _, name := range cfg.Enabled {
		if seen[name] {
			return nil, model.ConfigurationError("build risk pipeline", fmt.Errorf("controller %q listed twice", name))
		}
		seen[name] = true

		var (
			c   Controller
			err error
		)
		switch name {
		case LossLimitName:
			c, err = NewLossLimit(cfg.LossLimit)
		case AbnormalPriceName:
			c, err = NewAbnormalPrice(cfg.AbnormalPrice)
		case ExposureName:
			c = NewExposure(cfg.Exposure)
		case TimeWindowName:
			c, err = NewTimeWindow(cfg.TimeWindow, loc)
		case FrequencyName:
			c, err = NewFrequency(cfg.Frequency)
		case BlacklistName:
			c, err = NewBlacklist(cfg.Blacklist)
		default:
			err = model.ConfigurationError("build risk pipeline", fmt.Errorf("unknown controller %q", name))
		}
		if err != nil {
			return nil, err
		}
		controllers = append(controllers, c)
	}
	return NewPipeline(controllers...), nil
}

// noObserve is embedded by controllers that do not react to completed attempts.
type noObserve struct{}

func (noObserve) Observe(model.Attempt, *state.EngineState) {}
