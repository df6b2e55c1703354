package rackfwupdate

import "time"

// RetryPolicy describes how an operation is re-attempted.
type RetryPolicy struct {
	// Attempts is the total number of tries, at least one is always made.
	Attempts int
	Delay    time.Duration
	// Verbosity only affects logging.
	Verbosity Verbosity
	// Retryable decides which errors are worth another attempt. Nil means
	// IsRetryable.
	Retryable func(error) bool
	// Clock defaults to the system clock.
	Clock Clock
	// Name labels log messages.
	Name string
}

// Do runs op until it succeeds, fails with an error that is not retryable, or
// runs out of attempts. The error of the last attempt is returned unchanged.
func (p RetryPolicy) Do(op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	clock := clockOrDefault(p.Clock)
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	name := p.Name
	if name == "" {
		name = "operation"
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= attempts {
			p.Verbosity.logf("%s failed after %d attempts: %v", name, attempt, err)
			return err
		}
		p.Verbosity.logf("%s failed (attempt %d of %d), retrying in %v: %v", name, attempt, attempts, p.Delay, err)
		clock.Sleep(p.Delay)
	}
}

// Retry runs op up to attempts times, sleeping delay between attempts, while
// it fails with a retryable error.
func Retry(attempts int, delay time.Duration, verbosity Verbosity, op func() error) error {
	return RetryPolicy{Attempts: attempts, Delay: delay, Verbosity: verbosity}.Do(op)
}
