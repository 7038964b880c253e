package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_CalculateDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(0))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(1))
	assert.Equal(t, 400*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, time.Second, p.CalculateDelay(10))
	assert.Zero(t, ZeroDelay(3).CalculateDelay(2))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, ZeroDelay(1).Validate())
	assert.Error(t, Policy{MaxRetries: -1, BackoffMultiplier: 1}.Validate())
	assert.Error(t, Policy{BackoffMultiplier: 0}.Validate())
	assert.Error(t, Policy{InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 2}.Validate())
}

func TestPolicy_Do(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	isTransient := func(err error) bool { return errors.Is(err, transient) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls, retries := 0, 0
		err := ZeroDelay(3).Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		}, isTransient, func(int, error) { retries++ })
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 2, retries)
	})

	t.Run("exhausts bound", func(t *testing.T) {
		calls := 0
		err := ZeroDelay(2).Do(context.Background(), func(ctx context.Context) error {
			calls++
			return transient
		}, isTransient, nil)
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal is not retried", func(t *testing.T) {
		calls := 0
		err := ZeroDelay(5).Do(context.Background(), func(ctx context.Context) error {
			calls++
			return fatal
		}, isTransient, nil)
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancel during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := Policy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 1}
		err := p.Do(ctx, func(ctx context.Context) error { return transient }, isTransient, func(int, error) { cancel() })
		assert.ErrorIs(t, err, context.Canceled)
	})
}
