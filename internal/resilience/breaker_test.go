package resilience_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probedesk/probedesk/internal/resilience"
)

func newBreaker(t *testing.T, cfg resilience.BreakerConfig) *resilience.Breaker {
	t.Helper()
	b, err := resilience.NewBreaker(cfg)
	require.NoError(t, err)
	return b
}

func TestBreaker_OpensExactlyAtFailureThreshold(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	// Fewer than threshold failures keep the breaker closed.
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, resilience.StateClosed, b.State())
	assert.True(t, b.CanExecute())

	// The k-th failure opens it.
	b.RecordFailure()
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, resilience.StateClosed, b.State(), "count restarts after a success")

	b.RecordFailure()
	assert.Equal(t, resilience.StateOpen, b.State())
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  40 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})

	b.RecordFailure()
	assert.False(t, b.CanExecute(), "blocked before the recovery timeout")

	time.Sleep(50 * time.Millisecond)

	// The first admitted call is the first half-open trial.
	assert.True(t, b.CanExecute())
	assert.Equal(t, resilience.StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, resilience.StateClosed, b.State())
	assert.True(t, b.CanExecute())
}

func TestBreaker_HalfOpenBudgetBlocksAndReopensWindow(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  40 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})

	b.RecordFailure()
	time.Sleep(50 * time.Millisecond)

	assert.True(t, b.CanExecute())
	assert.True(t, b.CanExecute())
	assert.False(t, b.CanExecute(), "trial budget spent")
	assert.False(t, b.CanExecute())

	// After another recovery window a fresh trial round is admitted.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, resilience.StateHalfOpen, b.State())
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  40 * time.Millisecond,
		HalfOpenMaxCalls: 3,
	})

	b.RecordFailure()
	time.Sleep(50 * time.Millisecond)
	require.True(t, b.CanExecute())

	b.RecordFailure()
	assert.Equal(t, resilience.StateOpen, b.State())
	assert.False(t, b.CanExecute(), "window restarts from the newest failure")
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b, err := resilience.NewBreaker(resilience.BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	}, resilience.WithStateChangeHook(func(from, to resilience.BreakerState) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}))
	require.NoError(t, err)

	b.RecordFailure()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == "closed->open"
	}, time.Second, 5*time.Millisecond)
}

func TestNewBreaker_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  resilience.BreakerConfig
	}{
		{"zero failure threshold", resilience.BreakerConfig{RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}},
		{"zero recovery timeout", resilience.BreakerConfig{FailureThreshold: 1, HalfOpenMaxCalls: 1}},
		{"zero half-open max calls", resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}},
		{"negative failure threshold", resilience.BreakerConfig{FailureThreshold: -1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resilience.NewBreaker(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBreaker_ConcurrentUseKeepsConsistentState(t *testing.T) {
	b := newBreaker(t, resilience.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if b.CanExecute() {
					if (n+j)%3 == 0 {
						b.RecordFailure()
					} else {
						b.RecordSuccess()
					}
				}
			}
		}(i)
	}
	wg.Wait()

	state := b.State()
	assert.Contains(t, []resilience.BreakerState{
		resilience.StateClosed,
		resilience.StateOpen,
		resilience.StateHalfOpen,
	}, state)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", resilience.StateClosed.String())
	assert.Equal(t, "open", resilience.StateOpen.String())
	assert.Equal(t, "half-open", resilience.StateHalfOpen.String())
}
