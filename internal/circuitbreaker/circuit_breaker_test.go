package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		ProbeBudget:      2,
		ProbeSuccesses:   2,
		ResetInterval:    time.Minute,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func() error { return failing })
		require.ErrorIs(t, err, failing)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	failing := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func() error { return failing })
	}
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))

	// Two more failures stay below the threshold after the reset.
	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), func() error { return failing })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return failing })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	// Two successful probes close the breaker.
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, b.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))
	failing := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return failing })
	}
	time.Sleep(60 * time.Millisecond)

	_ = b.Execute(context.Background(), func() error { return failing })
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ProbeBudgetBoundsHalfOpen(t *testing.T) {
	b := New("test", testConfig(), zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	time.Sleep(60 * time.Millisecond)

	// Hold both probe slots open, then a third call is rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrProbeLimit)
	close(release)
	wg.Wait()
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New("test", cfg, zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), func() error { return errors.New("boom") })
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := New("test", cfg, zaptest.NewLogger(t))

	assert.Panics(t, func() {
		_ = b.Execute(context.Background(), func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}
