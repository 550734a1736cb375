package agent

import (
	"fmt"
	"sync"
	"time"
)

// BreakerConfig configures the consecutive-failure circuit breaker.
type BreakerConfig struct {
	// MaxConsecutiveFailures is the trip threshold.
	// Default: 5
	MaxConsecutiveFailures int

	// Cooldown optionally auto-resets a tripped breaker after this duration.
	// Zero disables auto-reset.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxConsecutiveFailures: 5,
	}
}

// CircuitBreaker counts consecutive tool failures and trips when the
// threshold is reached. Once tripped, the loop exits at its next iteration
// boundary.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    *BreakerConfig
	failures  int
	tripped   bool
	trippedAt time.Time
	lastError string
}

// NewCircuitBreaker creates a breaker with the given configuration.
// If config is nil, DefaultBreakerConfig is used.
func NewCircuitBreaker(config *BreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = DefaultBreakerConfig().MaxConsecutiveFailures
	}
	return &CircuitBreaker{config: config}
}

// SetConfig replaces the breaker's thresholds. Counts and trip state are
// kept; the new threshold applies from the next failure.
func (b *CircuitBreaker) SetConfig(config *BreakerConfig) {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = DefaultBreakerConfig().MaxConsecutiveFailures
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
}

// RecordSuccess resets the consecutive-failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure increments the count and trips the breaker at the
// threshold. Returns true when this failure tripped it.
func (b *CircuitBreaker) RecordFailure(errMsg string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastError = errMsg
	if !b.tripped && b.failures >= b.config.MaxConsecutiveFailures {
		b.tripped = true
		b.trippedAt = time.Now()
		return true
	}
	return false
}

// Tripped reports whether the breaker is open. When a cooldown is
// configured and has elapsed, the breaker auto-resets on read.
func (b *CircuitBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tripped && b.config.Cooldown > 0 && time.Since(b.trippedAt) > b.config.Cooldown {
		b.tripped = false
		b.failures = 0
	}
	return b.tripped
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset clears the breaker state.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.tripped = false
	b.lastError = ""
}

// ModelWarning returns the model-facing warning injected before the trip
// threshold is reached.
func (b *CircuitBreaker) ModelWarning() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf(
		"Warning: %d consecutive tool failures. Execution stops after %d. Re-examine the approach before the next call.",
		b.failures, b.config.MaxConsecutiveFailures)
}

// UserMessage returns the user-facing message explaining the stop,
// carrying the last tool error.
func (b *CircuitBreaker) UserMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := fmt.Sprintf("Execution stopped after %d consecutive tool failures.", b.config.MaxConsecutiveFailures)
	if b.lastError != "" {
		msg += " Last error: " + b.lastError
	}
	return msg
}
