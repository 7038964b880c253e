package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/provider"
	"sitegen/internal/shared/model"
)

func collect(ch <-chan provider.Chunk) (string, error) {
	var sb strings.Builder
	for c := range ch {
		if c.Err != nil {
			return sb.String(), c.Err
		}
		sb.WriteString(c.Text)
	}
	return sb.String(), nil
}

func TestProvider_StreamsResponse(t *testing.T) {
	var got api.GenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, part := range []string{"<html>", "<body>", "</body></html>"} {
			_ = enc.Encode(api.GenerateResponse{Model: got.Model, Response: part})
		}
		_ = enc.Encode(api.GenerateResponse{Model: got.Model, Done: true})
	}))
	defer srv.Close()

	p, err := New(Config{Host: srv.URL, DefaultModel: "llama3.2", Models: map[string]string{"fast": "qwen2.5:3b"}}, srv.Client())
	require.NoError(t, err)

	ch, err := p.GenerateFragment(context.Background(), provider.Fragment{Prompt: "landing page", Model: "fast"})
	require.NoError(t, err)
	out, err := collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "<html><body></body></html>", out)
	assert.Equal(t, "qwen2.5:3b", got.Model)
	assert.Equal(t, "landing page", got.Prompt)
}

func TestProvider_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorKind
	}{
		{http.StatusServiceUnavailable, model.KindProviderTransient},
		{http.StatusTooManyRequests, model.KindProviderTransient},
		{http.StatusNotFound, model.KindProviderFatal},
		{http.StatusBadRequest, model.KindProviderFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			p, err := New(Config{Host: srv.URL}, srv.Client())
			require.NoError(t, err)
			ch, _ := p.GenerateFragment(context.Background(), provider.Fragment{Prompt: "x"})
			_, err = collect(ch)
			require.Error(t, err)
			assert.Equal(t, tt.want, model.KindOf(err))
		})
	}
}

func TestProvider_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := srv.URL
	srv.Close()

	p, err := New(Config{Host: host}, nil)
	require.NoError(t, err)
	ch, _ := p.GenerateFragment(context.Background(), provider.Fragment{Prompt: "x"})
	_, err = collect(ch)
	assert.True(t, model.IsTransient(err), "got %v", err)
}

func TestClassify_ContextPassthrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := classify(ctx, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, classify(ctx, nil))
	assert.Equal(t, model.KindProviderFatal, model.KindOf(classify(context.Background(), errors.New("weird"))))
}
