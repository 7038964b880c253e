package redis

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/shared/model"
)

func getTestRedisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6380"
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: getTestRedisAddr(), DB: 1})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	client.FlushDB(context.Background())
	t.Cleanup(func() { client.Close() })
	return NewStore(client, 0)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	task := &model.AsyncTask{ID: "t1", Owner: "u1", Status: model.TaskStatusPending}
	require.NoError(t, s.Create(ctx, task))
	assert.Error(t, s.Create(ctx, task))

	_, err := s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusProcessing
		t.Progress = 10
		t.Seq = 1
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, got.Status)
	assert.Equal(t, int64(1), got.Seq)

	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusFailed
		t.Error = &model.TaskError{Kind: model.KindCancelled}
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error { return nil })
	assert.ErrorIs(t, err, model.ErrTerminal)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRedisStore_ConcurrentUpdates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &model.AsyncTask{ID: "t2", Owner: "u1", Status: model.TaskStatusProcessing}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, err := s.Update(ctx, "t2", func(t *model.AsyncTask) error {
					t.Seq++
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Seq)
}

func TestRedisStore_DeleteIfStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &model.AsyncTask{ID: "t3", Owner: "u1", Status: model.TaskStatusPending}))

	ok, err := s.DeleteIfStatus(ctx, "t3", model.TaskStatusPending)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.Get(ctx, "t3")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
