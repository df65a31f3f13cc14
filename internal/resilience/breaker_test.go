package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errBoom })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("ocr", BreakerConfig{FailureThreshold: 3, CoolDown: time.Minute})

	failN(t, cb, 3)
	assert.Equal(t, BreakerOpen, cb.State())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "ocr")
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("ocr", BreakerConfig{FailureThreshold: 3})

	failN(t, cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	failN(t, cb, 2)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("platform", BreakerConfig{FailureThreshold: 1, CoolDown: time.Minute})
	cb.now = func() time.Time { return now }

	failN(t, cb, 1)
	assert.Equal(t, BreakerOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker("platform", BreakerConfig{
		FailureThreshold: 1,
		CoolDown:         time.Minute,
		OnStateChange: func(_ string, from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }

	failN(t, cb, 1)
	now = now.Add(2 * time.Minute)
	failN(t, cb, 1)

	assert.Equal(t, BreakerOpen, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->open"}, transitions)
}

func TestCircuitBreaker_CountsFilter(t *testing.T) {
	cb := NewCircuitBreaker("ocr", BreakerConfig{
		FailureThreshold: 1,
		Counts:           IsTransient,
	})
	failN(t, cb, 5)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("ocr", BreakerConfig{FailureThreshold: 1})
	failN(t, cb, 1)
	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("ocr", DefaultBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("ocr", BreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(context.Context) error {
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakers(t *testing.T) {
	b := NewBreakers(BreakerConfig{FailureThreshold: 1})
	ocr := b.Get("ocr")
	assert.Same(t, ocr, b.Get("ocr"))
	assert.Equal(t, "ocr", ocr.Name())

	failN(t, ocr, 1)
	b.Get("platform")

	assert.Equal(t, map[string]string{"ocr": "open", "platform": "closed"}, b.States())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
