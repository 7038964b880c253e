package memory

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/shared/model"
)

func newTask(id string) *model.AsyncTask {
	return &model.AsyncTask{ID: id, Owner: "u1", Prompt: "p", Status: model.TaskStatusPending}
}

func TestStore_CreateGet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))
	assert.Error(t, s.Create(ctx, newTask("t1")))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	got.Prompt = "mutated"

	again, _ := s.Get(ctx, "t1")
	assert.Equal(t, "p", again.Prompt, "readers must get copies")

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_TerminalIsImmutable(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	_, err := s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusProcessing
		return nil
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusSucceeded
		t.Progress = 100
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusFailed
		return nil
	})
	assert.ErrorIs(t, err, model.ErrTerminal)
}

func TestStore_RejectsInvalidUpdates(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	_, err := s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusSucceeded
		return nil
	})
	assert.Error(t, err, "pending cannot jump to succeeded")

	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Status = model.TaskStatusProcessing
		t.Progress = 50
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
		t.Progress = 30
		return nil
	})
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = s.Update(ctx, "t1", func(t *model.AsyncTask) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, 50, got.Progress)
}

// 随机交错的并发更新下，进度对所有读取方单调不减
func TestStore_ProgressMonotonicUnderInterleaving(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	task := newTask("t1")
	task.Status = model.TaskStatusProcessing
	require.NoError(t, s.Create(ctx, task))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				target := r.Intn(100)
				_, _ = s.Update(ctx, "t1", func(t *model.AsyncTask) error {
					if target > t.Progress {
						t.Progress = target
					}
					return nil
				})
			}
		}(int64(w))
	}

	done := make(chan struct{})
	violations := 0
	go func() {
		defer close(done)
		last := 0
		for i := 0; i < 2000; i++ {
			got, err := s.Get(ctx, "t1")
			if err != nil {
				continue
			}
			if got.Progress < last {
				violations++
			}
			last = got.Progress
		}
	}()

	wg.Wait()
	<-done
	assert.Zero(t, violations)
}

func TestStore_DeleteIfStatus(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1")))

	ok, err := s.DeleteIfStatus(ctx, "t1", model.TaskStatusProcessing)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteIfStatus(ctx, "t1", model.TaskStatusPending)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, s.Len())

	_, err = s.DeleteIfStatus(ctx, "t1", model.TaskStatusPending)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
