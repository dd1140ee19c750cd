package pricing

import "github.com/smallbiznis/cohere/internal/config"

// Source yields the fee schedule in effect. Callers take one snapshot per operation so a
// reload mid-quote cannot mix old and new rates.
type Source interface {
	Schedule() Schedule
}

type holderSource struct {
	holder *config.PricingConfigHolder
}

// NewSource follows the reloadable pricing configuration.
func NewSource(holder *config.PricingConfigHolder) Source {
	return holderSource{holder: holder}
}

func (s holderSource) Schedule() Schedule {
	return NewSchedule(s.holder.Get())
}

type staticSource Schedule

// StaticSource always returns schedule.
func StaticSource(schedule Schedule) Source {
	return staticSource(schedule)
}

func (s staticSource) Schedule() Schedule {
	return Schedule(s)
}
