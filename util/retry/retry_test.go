package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sispop-project/sispopd/ulogger"
)

func TestDo_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0

	err := Do(context.Background(), ulogger.TestLogger{}, func() error {
		calls++
		return nil
	}, WithRetryCount(3), WithBackoffDurationType(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0

	err := Do(context.Background(), ulogger.TestLogger{}, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRetryCount(5), WithBackoffDurationType(time.Millisecond))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterRetryCount(t *testing.T) {
	calls := 0

	err := Do(context.Background(), ulogger.TestLogger{}, func() error {
		calls++
		return errors.New("permanent failure")
	}, WithRetryCount(3), WithBackoffDurationType(time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	err := Do(ctx, ulogger.TestLogger{}, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("fails")
	}, WithRetryCount(5), WithBackoffDurationType(10*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExponentialBackoffCapsAtMax(t *testing.T) {
	calls := 0

	start := time.Now()
	err := Do(context.Background(), ulogger.TestLogger{}, func() error {
		calls++
		if calls < 4 {
			return errors.New("retry me")
		}
		return nil
	}, WithExponentialBackoff(), WithBackoffDurationType(time.Millisecond),
		WithBackoffFactor(10), WithMaxBackoff(5*time.Millisecond), WithRetryCount(10))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Less(t, elapsed, 100*time.Millisecond)
}
