package resilience

import "time"

// Policy controls retries and the circuit breaker around one remote service.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	BreakerEnabled bool
	// consecutive recorded failures that open the breaker
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	BreakerProbeCalls  uint32
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,

		BreakerEnabled:     true,
		BreakerMaxFailures: 5,
		BreakerOpenTimeout: 30 * time.Second,
		BreakerProbeCalls:  1,
	}
}

func (p Policy) normalize() Policy {
	out := p
	def := DefaultPolicy()

	if out.MaxAttempts <= 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = def.InitialBackoff
	}
	if out.MaxBackoff < out.InitialBackoff {
		out.MaxBackoff = out.InitialBackoff * 8
	}
	if out.Multiplier < 1.0 {
		out.Multiplier = def.Multiplier
	}
	if out.BreakerMaxFailures == 0 {
		out.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerProbeCalls == 0 {
		out.BreakerProbeCalls = def.BreakerProbeCalls
	}
	return out
}
