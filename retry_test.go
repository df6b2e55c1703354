package rackfwupdate

import (
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRetryReturnsLastError(t *testing.T) {
	clock := newFakeClock()
	var errs []error
	calls := 0
	err := RetryPolicy{Attempts: 3, Delay: time.Second, Clock: clock}.Do(func() error {
		calls++
		e := newError(KindTimeout, "op", "attempt %d", calls)
		errs = append(errs, e)
		return e
	})
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	if err != errs[2] {
		t.Errorf("got %v, want the third error", err)
	}
	if clock.naps != 2 || clock.slept != 2*time.Second {
		t.Errorf("slept %v in %d naps", clock.slept, clock.naps)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := RetryPolicy{Attempts: 5, Clock: newFakeClock()}.Do(func() error {
		calls++
		if calls < 2 {
			return newError(KindChecksum, "op", "bad crc")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err %v after %d calls", err, calls)
	}
}

func TestRetryNonRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"protocol", newError(KindProtocol, "op", "bad frame")},
		{"file format", formatErrorf(3, "bad record")},
		{"plain", errors.New("plain")},
	}
	for _, tt := range tests {
		calls := 0
		err := RetryPolicy{Attempts: 5, Clock: newFakeClock()}.Do(func() error {
			calls++
			return tt.err
		})
		if calls != 1 || err != tt.err {
			t.Errorf("%s: %d calls, err %v", tt.name, calls, err)
		}
	}
}

func TestRetryCustomRetryable(t *testing.T) {
	calls := 0
	p := RetryPolicy{
		Attempts:  4,
		Verbosity: Quiet,
		Retryable: func(err error) bool { return IsKind(err, KindStatusMismatch) },
		Clock:     newFakeClock(),
	}
	err := p.Do(func() error {
		calls++
		return statusMismatch("op", NormalOperation, EnteredBootMode)
	})
	if calls != 4 || !IsKind(err, KindStatusMismatch) {
		t.Errorf("%d calls, err %v", calls, err)
	}
}

func TestRetryVerbosityOnlyAffectsLogging(t *testing.T) {
	for _, v := range []Verbosity{Quiet, Normal, Verbose} {
		log := &recordingLogger{}
		restore := useLogger(log)
		calls := 0
		RetryPolicy{Attempts: 2, Verbosity: v, Clock: newFakeClock(), Name: "poll"}.Do(func() error {
			calls++
			return newError(KindTimeout, "op", "late")
		})
		restore()

		if calls != 2 {
			t.Errorf("verbosity %v: %d calls", v, calls)
		}
		level := "info"
		if v == Quiet {
			level = "debug"
		}
		if log.count(level, "poll failed") != 2 {
			t.Errorf("verbosity %v: log = %v", v, log.lines)
		}
	}
}

func TestRetryHelper(t *testing.T) {
	calls := 0
	err := Retry(1, time.Hour, Quiet, func() error {
		calls++
		return newError(KindTimeout, "op", "late")
	})
	if calls != 1 || !IsKind(err, KindTimeout) {
		t.Errorf("%d calls, err %v", calls, err)
	}
}
