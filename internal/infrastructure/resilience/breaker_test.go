package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		requests []bool // true = success, false = failure
		expected State
	}{
		{
			name:     "stays closed on successes",
			opts:     Options{Trip: 3},
			requests: []bool{true, true, true},
			expected: StateClosed,
		},
		{
			name:     "opens after consecutive failures",
			opts:     Options{Trip: 3},
			requests: []bool{false, false, false},
			expected: StateOpen,
		},
		{
			name:     "success resets the failure streak",
			opts:     Options{Trip: 3},
			requests: []bool{false, false, true, false, false},
			expected: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := New("test", tt.opts)

			for _, success := range tt.requests {
				_ = breaker.Do(func() error {
					if success {
						return nil
					}
					return errBoom
				})
			}

			assert.Equal(t, tt.expected, breaker.State())
		})
	}
}

func TestBreakerOpenFailsFast(t *testing.T) {
	breaker := New("test", Options{Trip: 2, Cooldown: time.Minute})

	for i := 0; i < 2; i++ {
		_ = breaker.Do(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, breaker.State())

	called := false
	err := breaker.Do(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	breaker := New("test", Options{Trip: 2, Cooldown: 50 * time.Millisecond, Probes: 2})

	for i := 0; i < 2; i++ {
		_ = breaker.Do(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, breaker.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, breaker.Do(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerHalfOpenRelapse(t *testing.T) {
	breaker := New("test", Options{Trip: 1, Cooldown: 20 * time.Millisecond})

	_ = breaker.Do(func() error { return errBoom })
	require.Equal(t, StateOpen, breaker.State())

	time.Sleep(30 * time.Millisecond)
	err := breaker.Do(func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, StateOpen, breaker.State())
	assert.ErrorIs(t, breaker.Do(func() error { return nil }), ErrOpen)
}

func TestBreakerProbeLimit(t *testing.T) {
	breaker := New("test", Options{Trip: 1, Cooldown: 10 * time.Millisecond, Probes: 1})

	_ = breaker.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- breaker.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// The single probe slot is taken; further requests are refused.
	err := breaker.Do(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	breaker := New("test", Options{Trip: 1})

	assert.Panics(t, func() {
		_ = breaker.Do(func() error { panic("kaput") })
	})
	assert.Equal(t, StateOpen, breaker.State())
}
