package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/config"
	"sitegen/internal/provider/stub"
	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage/dbutil"
	taskstorememory "sitegen/internal/shared/taskstore/memory"
	taskstoreredis "sitegen/internal/shared/taskstore/redis"
)

func stubConfig() *config.Config {
	return &config.Config{
		DatabaseDriver: dbutil.DriverNone,
		Provider:       config.ProviderConfig{Type: config.ProviderStub},
	}
}

func TestNew_InMemoryWithoutArtifacts(t *testing.T) {
	i, err := New(context.Background(), stubConfig(), nil)
	require.NoError(t, err)
	defer i.Close()

	assert.Nil(t, i.Redis)
	assert.IsType(t, &taskstorememory.Store{}, i.Tasks)
	assert.NotNil(t, i.Events)
	assert.Nil(t, i.Artifacts)
	assert.Nil(t, i.Objects)
	assert.Nil(t, i.Persister, "nothing to persist to")
	assert.Equal(t, "stub", i.Provider.Name())
}

func TestNew_SQLiteArtifacts(t *testing.T) {
	cfg := stubConfig()
	cfg.DatabaseDriver = dbutil.DriverSQLite
	cfg.DatabaseURL = "file:" + filepath.Join(t.TempDir(), "sitegen.db") + "?cache=shared&mode=rwc"

	i, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer i.Close()

	require.NotNil(t, i.Artifacts)
	require.NotNil(t, i.Persister)

	ctx := context.Background()
	artifact := &model.Artifact{
		ID:        "a1",
		Owner:     "alice",
		Model:     "stub",
		Files:     []model.ArtifactFile{{Path: "index.html", Content: "<html></html>"}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, i.Persister.PersistArtifact(ctx, artifact))

	got, err := i.Artifacts.GetArtifact(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func TestNew_Errors(t *testing.T) {
	cfg := stubConfig()
	cfg.Provider.Type = "openai"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown provider")

	cfg = stubConfig()
	cfg.DatabaseDriver = "mysql"
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unsupported database driver")

	cfg = stubConfig()
	cfg.RedisURL = "not-a-url"
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "parse Redis URL")
}

func TestNew_Redis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	cfg := stubConfig()
	cfg.RedisURL = url

	i, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer i.Close()

	assert.NotNil(t, i.Redis)
	assert.IsType(t, &taskstoreredis.Store{}, i.Tasks)
}

func TestNewInMemory(t *testing.T) {
	p := stub.New()
	i := NewInMemory(p)
	assert.Same(t, p, i.Provider)
	assert.Nil(t, i.Persister)
	assert.NoError(t, i.Close())
}
