package backfill

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/client"
)

func transientErr(msg string) error {
	return &client.TransientError{Err: errors.New(msg)}
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	q := NewQueue(context.Background(), 2, 5, zap.NewNop())

	var attempts atomic.Int32
	q.Submit("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return transientErr("429 too many requests")
		}
		return nil
	})

	require.NoError(t, q.Drain())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueueDoesNotRetryFatalFailures(t *testing.T) {
	q := NewQueue(context.Background(), 2, 5, zap.NewNop())

	fatal := errors.New("invalid argument")
	var attempts atomic.Int32
	q.Submit("broken", func(ctx context.Context) error {
		attempts.Add(1)
		return fatal
	})

	err := q.Drain()
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestQueueExhaustedRetriesSurface(t *testing.T) {
	q := NewQueue(context.Background(), 1, 3, zap.NewNop())

	var attempts atomic.Int32
	q.Submit("always-down", func(ctx context.Context) error {
		attempts.Add(1)
		return transientErr("connection refused")
	})

	err := q.Drain()
	require.Error(t, err)
	assert.True(t, client.IsTransient(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestQueueFailureCancelsPendingTasks(t *testing.T) {
	q := NewQueue(context.Background(), 1, 1, zap.NewNop())

	fatal := errors.New("boom")
	var ran atomic.Int32
	q.Submit("first", func(ctx context.Context) error {
		return fatal
	})
	for i := 0; i < 10; i++ {
		q.Submit("later", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	require.ErrorIs(t, q.Drain(), fatal)
	// The single worker fails the first task before reaching the rest.
	assert.Equal(t, int32(0), ran.Load())
}

func TestQueueDrainsSelfSubmittedTasks(t *testing.T) {
	q := NewQueue(context.Background(), 4, 1, zap.NewNop())

	var done atomic.Int32
	q.Submit("parent", func(ctx context.Context) error {
		for i := 0; i < 5; i++ {
			q.Submit("child", func(ctx context.Context) error {
				done.Add(1)
				return nil
			})
		}
		done.Add(1)
		return nil
	})

	require.NoError(t, q.Drain())
	assert.Equal(t, int32(6), done.Load())
}
