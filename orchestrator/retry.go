package orchestrator

import (
	"math"
	"time"

	"github.com/songzhibin97/dataplane-engine/config"
	"github.com/songzhibin97/dataplane-engine/types"
)

type backoffCalculator func(base time.Duration, count int) time.Duration

var backoffCalculators = map[string]backoffCalculator{
	config.BackoffFixed: func(base time.Duration, _ int) time.Duration {
		return base
	},
	config.BackoffLinear: func(base time.Duration, count int) time.Duration {
		return base * time.Duration(count+1)
	},
	config.BackoffExponential: func(base time.Duration, count int) time.Duration {
		multiplier := math.Pow(2, float64(count))
		if d := float64(base) * multiplier; d < math.MaxInt64 {
			return time.Duration(d)
		}
		return time.Duration(math.MaxInt64)
	},
}

// retryPolicy spaces out repeated entries of the same state.
type retryPolicy struct {
	maxRetries int
	init       time.Duration
	max        time.Duration
	calculator backoffCalculator
}

func newRetryPolicy(cfg config.RetryConfig) *retryPolicy {
	calculator, ok := backoffCalculators[cfg.BackoffType]
	if !ok {
		calculator = backoffCalculators[config.BackoffFixed]
	}
	return &retryPolicy{
		maxRetries: cfg.MaxRetries,
		init:       cfg.InitBackoff,
		max:        cfg.MaxBackoff,
		calculator: calculator,
	}
}

// delay is the wait before retry number count (zero based).
func (p *retryPolicy) delay(count int) time.Duration {
	return min(p.calculator(p.init, count), p.max)
}

// nextAttempt returns when the flow may be processed again. The first entry
// of a state is due at once; the n-th entry waits delay(n-1) after the last
// transition.
func (p *retryPolicy) nextAttempt(flow *types.DataFlow) time.Time {
	if flow.StateCount <= 1 {
		return flow.StateTime()
	}
	return flow.StateTime().Add(p.delay(flow.StateCount - 1))
}

// due reports whether the flow may be processed at now.
func (p *retryPolicy) due(flow *types.DataFlow, now time.Time) bool {
	return !now.Before(p.nextAttempt(flow))
}

// exhausted reports whether the flow used up its retries. Zero retries means
// unbounded.
func (p *retryPolicy) exhausted(flow *types.DataFlow) bool {
	return p.maxRetries > 0 && flow.StateCount > p.maxRetries
}
