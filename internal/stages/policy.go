package stages

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy controls how often and how patiently one stage invocation is retried
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	// MaxBackoff caps a single wait. Zero means uncapped.
	MaxBackoff time.Duration
	// Retryable classifies errors. Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryable retries everything except rejected input
func DefaultRetryable(err error) bool {
	return !errors.Is(err, ErrInvalidInput)
}

// ShouldRetry reports whether err may be retried under p
func (p RetryPolicy) ShouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return DefaultRetryable(err)
}

// Attempts returns the attempt ceiling, at least one
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt (0-based):
// InitialBackoff * BackoffMultiplier^attempt
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	wait := time.Duration(float64(p.InitialBackoff) * math.Pow(mult, float64(attempt)))
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}

// Policies maps each stage to its retry policy
type Policies map[Name]RetryPolicy

// DefaultPolicy applies to stages without an entry
var DefaultPolicy = RetryPolicy{
	MaxAttempts:       3,
	InitialBackoff:    2 * time.Second,
	BackoffMultiplier: 2,
	MaxBackoff:        time.Minute,
}

// DefaultPolicies returns the production retry table
func DefaultPolicies() Policies {
	return Policies{
		ExtractAudio:       DefaultPolicy,
		ChunkAudio:         DefaultPolicy,
		DiarizeChunks:      {MaxAttempts: 3, InitialBackoff: 5 * time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute},
		MergeSpeakers:      DefaultPolicy,
		SplitBySpeaker:     DefaultPolicy,
		TranscribeSegments: {MaxAttempts: 3, InitialBackoff: 5 * time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute},
		AggregateResults:   DefaultPolicy,
		LLMAnalysis:        {MaxAttempts: 2, InitialBackoff: 10 * time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute},
	}
}

// For returns the policy for stage, falling back to DefaultPolicy
func (p Policies) For(stage Name) RetryPolicy {
	if policy, ok := p[stage]; ok {
		return policy
	}
	return DefaultPolicy
}
