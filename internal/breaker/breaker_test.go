package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h10086733/xlayer-402/internal/errs"
)

var errBoom = errs.New(errs.KindNetworkError, "boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test-dep", cfg)
	clock := time.Now()
	b.now = func() time.Time { return clock }
	return b, &clock
}

func failingOp(ctx context.Context) error { return errBoom }
func okOp(ctx context.Context) error      { return nil }

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, Closed, b.State())
		require.Error(t, b.Execute(ctx, failingOp))
	}
	assert.Equal(t, Open, b.State())

	// Open rejects without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindCircuitOpen, errs.KindOf(err))
	assert.False(t, invoked)
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 30 * time.Second})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, Open, b.State())

	*clock = clock.Add(30 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	// Trial call passes through.
	invoked := false
	require.NoError(t, b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	}))
	assert.True(t, invoked)
	assert.Equal(t, HalfOpen, b.State(), "one success below threshold stays half-open")

	require.NoError(t, b.Execute(ctx, okOp))
	assert.Equal(t, Closed, b.State(), "successThreshold consecutive successes close")
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	*clock = clock.Add(10 * time.Second)
	assert.Equal(t, HalfOpen, b.State())

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenAdmitsSingleTrialCall(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Second})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	*clock = clock.Add(10 * time.Second)
	require.Equal(t, HalfOpen, b.State())

	release := make(chan struct{})
	var invoked atomic.Int32
	var rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Execute(ctx, func(ctx context.Context) error {
				invoked.Add(1)
				<-release
				return nil
			})
			if errs.KindOf(err) == errs.KindCircuitOpen {
				rejected.Add(1)
			}
		}()
	}

	// Wait for the single probe to start before releasing it.
	require.Eventually(t, func() bool {
		return invoked.Load()+rejected.Load() == 4
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), invoked.Load(), "half-open must pass exactly one trial call")
	assert.Equal(t, int32(3), rejected.Load())

	// The resolved probe frees the slot for the next sequential trial.
	require.NoError(t, b.Execute(ctx, okOp))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	require.NoError(t, b.Execute(ctx, okOp))

	// The counter restarted, so two more failures do not trip the breaker.
	require.Error(t, b.Execute(ctx, failingOp))
	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, Closed, b.State())

	require.Error(t, b.Execute(ctx, failingOp))
	assert.Equal(t, Open, b.State())
}
