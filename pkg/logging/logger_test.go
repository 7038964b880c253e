package logging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutputJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l := New(Config{Level: "debug", Format: "json", Output: path, Component: "api"})

	l.WithTaskID("task-1").WithError(errors.New("boom")).Info("hello")
	l.WithDuration(1500 * time.Millisecond).Debug("timed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"component":"api"`)
	assert.Contains(t, out, `"task_id":"task-1"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"duration_ms":1500`)
}

func TestWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.log")
	l := New(Config{Format: "json", Output: path, Component: "dispatcher"})

	ctx := WithRequestContext(context.Background(), "req-9", "user-3")
	l.WithContext(ctx).Info("dispatch")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"req-9"`)
	assert.Contains(t, string(data), `"owner_id":"user-3"`)
}

func TestWithContext_Empty(t *testing.T) {
	l := Nop()
	assert.Same(t, l, l.WithContext(context.Background()))
	assert.Same(t, l, l.WithError(nil))
}

func TestNamed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "named.log")
	l := New(Config{Format: "json", Output: path, Component: "root"}).Named("bridge")
	assert.Equal(t, "bridge", l.Component())
	l.Info("x")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"component":"bridge"`))
}
