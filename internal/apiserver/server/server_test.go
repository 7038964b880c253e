package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/apiserver/auth"
	"sitegen/internal/orchestrator/bridge"
	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/estimator"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/orchestrator/retry"
	"sitegen/internal/orchestrator/taskmgr"
	"sitegen/internal/provider"
	"sitegen/internal/provider/stub"
	eventmem "sitegen/internal/shared/eventbus/memory"
	"sitegen/internal/shared/model"
	"sitegen/internal/shared/storage"
	taskmem "sitegen/internal/shared/taskstore/memory"
)

// ============================================================================
// 测试夹具
// ============================================================================

// fakeArtifacts 内存产物存储
type fakeArtifacts struct {
	mu   sync.Mutex
	byID map[string]*model.Artifact
}

func (f *fakeArtifacts) SaveArtifact(_ context.Context, a *model.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[a.ID]; ok {
		return storage.ErrDuplicate
	}
	f.byID[a.ID] = a
	return nil
}

func (f *fakeArtifacts) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeArtifacts) ListArtifactsByOwner(_ context.Context, owner string, limit int) ([]*model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Artifact
	for _, a := range f.byID {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeArtifacts) Close() error { return nil }

// PersistArtifact 让夹具同时充当持久化钩子
func (f *fakeArtifacts) PersistArtifact(ctx context.Context, a *model.Artifact) error {
	return f.SaveArtifact(ctx, a)
}

type fixture struct {
	srv       *httptest.Server
	mgr       *taskmgr.Manager
	store     *taskmem.Store
	artifacts *fakeArtifacts
	authCfg   auth.Config
}

func newFixture(t *testing.T, prov *stub.Provider, estCfg estimator.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:     taskmem.NewStore(),
		artifacts: &fakeArtifacts{byID: make(map[string]*model.Artifact)},
		authCfg:   auth.Config{JWTSecret: "test-secret", AccessTokenTTL: time.Hour},
	}
	log := eventmem.NewLog()
	pipe := pipeline.New(prov, pipeline.Config{BatchChars: 2, SegmentCount: 3, KeepAliveInterval: time.Hour}, retry.ZeroDelay(1), nil)
	f.mgr = taskmgr.New(f.store, log, pipe, f.artifacts, taskmgr.Config{}, nil)
	d := dispatcher.New(estimator.New(estCfg), pipe, f.mgr, nil, dispatcher.Config{CheckInterval: 5 * time.Millisecond}, nil)
	br := bridge.New(f.mgr, log, bridge.Config{HeartbeatInterval: time.Hour}, nil)

	metrics := NewMetrics("sitegen", prometheus.NewRegistry())
	pipe.Observe(metrics)
	f.mgr.Observe(metrics)
	d.Observe(metrics)

	h := NewHandler(Options{
		Dispatcher: d,
		Tasks:      f.mgr,
		Bridge:     br,
		Artifacts:  f.artifacts,
		Auth:       auth.NewResolver(f.authCfg),
		Metrics:    metrics,
		Config:     Config{DefaultModel: "m1"},
	})
	f.srv = httptest.NewServer(h.Router())
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.mgr.Drain(ctx)
	})
	return f
}

func (f *fixture) token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(f.authCfg, owner, "", "user")
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, owner string, body any, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(b))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, owner))
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type sseEvent struct {
	Name string
	Data string
}

// readSSE 读取完整的 SSE 响应
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func names(events []sseEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func countOf(events []sseEvent, name string) int {
	n := 0
	for _, e := range events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func asyncEstimator() estimator.Config {
	cfg := estimator.DefaultConfig()
	cfg.SmallThreshold = 1
	cfg.LargeThreshold = 2
	return cfg
}

func waitTerminal(t *testing.T, f *fixture, id string) *model.AsyncTask {
	t.Helper()
	var task *model.AsyncTask
	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

// ============================================================================
// 测试
// ============================================================================

func TestPublicRoutes(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())

	resp := f.do(t, "GET", "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = f.do(t, "GET", "/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sitegen_http_requests_in_flight")

	resp = f.do(t, "POST", "/api/v1/generations", "", map[string]string{"prompt": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateGeneration_DirectStream(t *testing.T) {
	f := newFixture(t, &stub.Provider{ChunkSize: 3}, estimator.DefaultConfig())
	prompt := "Make a page saying OK"

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": prompt}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	events := readSSE(t, resp)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Name)
	assert.Equal(t, 1, countOf(events, "completed")+countOf(events, "failed"), "exactly one terminal signal")

	var text strings.Builder
	for _, e := range events[:len(events)-1] {
		require.Equal(t, "batch", e.Name)
		var b pipeline.Batch
		require.NoError(t, json.Unmarshal([]byte(e.Data), &b))
		text.WriteString(b.Text)
	}
	assert.Equal(t, prompt, text.String())

	var done generationDone
	require.NoError(t, json.Unmarshal([]byte(last.Data), &done))
	assert.Equal(t, model.ModeDirect, done.Mode)
	assert.Equal(t, len(prompt), done.Chars)
	assert.Zero(t, f.store.Len(), "direct requests never create tasks")
}

func TestCreateGeneration_SegmentedStreamOrder(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())
	prompt := strings.Repeat("Write a short section about apples. ", 15)

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": prompt}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp)

	var (
		segments []int
		text     strings.Builder
		lastSeg  int
	)
	for _, e := range events {
		switch e.Name {
		case "segment":
			var s segmentEvent
			require.NoError(t, json.Unmarshal([]byte(e.Data), &s))
			segments = append(segments, s.Index)
		case "batch":
			var b pipeline.Batch
			require.NoError(t, json.Unmarshal([]byte(e.Data), &b))
			assert.GreaterOrEqual(t, b.Segment, lastSeg, "segments never interleave")
			lastSeg = b.Segment
			text.WriteString(b.Text)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, segments)
	assert.Equal(t, prompt, text.String())
	assert.Equal(t, "completed", events[len(events)-1].Name)
}

func TestCreateGeneration_JSONMode(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "OK"}, map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "direct", body["mode"])
	assert.Equal(t, "OK", body["output"])
}

func TestCreateGeneration_Errors(t *testing.T) {
	fatal := &stub.Provider{FailWith: func(provider.Fragment, int) (error, int) {
		return model.NewFatalError("model refused", errors.New("blocked")), 0
	}}
	f := newFixture(t, fatal, estimator.DefaultConfig())

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decode[map[string]any](t, resp)["kind"])

	req, err := http.NewRequest("POST", f.srv.URL+"/api/v1/generations", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token(t, "alice"))
	bad, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	// 尚未输出任何内容时以普通 HTTP 错误返回
	resp = f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "hello"}, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "provider_fatal", decode[map[string]any](t, resp)["kind"])
}

func TestCreateGeneration_FailureAfterOutputIsStreamed(t *testing.T) {
	prov := &stub.Provider{ChunkSize: 1, FailWith: func(provider.Fragment, int) (error, int) {
		return model.NewFatalError("stream broke", errors.New("eof")), 3
	}}
	f := newFixture(t, prov, estimator.DefaultConfig())

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "hello world"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "failed", last.Name)
	assert.Equal(t, 0, countOf(events, "completed"))

	var done generationDone
	require.NoError(t, json.Unmarshal([]byte(last.Data), &done))
	require.NotNil(t, done.Error)
	assert.Equal(t, model.KindProviderFatal, done.Error.Kind)
	assert.Equal(t, 3, done.Chars)
}

func TestCreateGeneration_AsyncAdmission(t *testing.T) {
	f := newFixture(t, stub.New(), asyncEstimator())
	prompt := "A complete e-commerce platform with cart and checkout"

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": prompt, "conversation_id": "c1"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	acc := decode[generationAccepted](t, resp)
	assert.Equal(t, model.ModeAsync, acc.Mode)
	assert.False(t, acc.Escalated)
	require.NotEmpty(t, acc.TaskID)
	assert.Equal(t, "/api/v1/tasks/"+acc.TaskID+"/events", acc.EventsURL)

	task := waitTerminal(t, f, acc.TaskID)
	assert.Equal(t, model.TaskStatusSucceeded, task.Status)
	assert.Equal(t, prompt, task.FullOutput())

	snap := decode[bridge.Snapshot](t, f.do(t, "GET", acc.StatusURL, "alice", nil, nil))
	assert.Equal(t, model.TaskStatusSucceeded, snap.Task.Status)
	assert.Equal(t, 100, snap.Task.Progress)
	assert.Equal(t, snap.Task.Seq, snap.Seq)

	// 终态任务同样校验归属
	assert.Equal(t, http.StatusForbidden, f.do(t, "GET", acc.StatusURL, "mallory", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/tasks/nope", "alice", nil, nil).StatusCode)

	// 附着到已终结任务只收到 connected
	events := readSSE(t, f.do(t, "GET", acc.EventsURL, "alice", nil, nil))
	require.Equal(t, []string{"connected"}, names(events))
	var ev model.ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(events[0].Data), &ev))
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, model.TaskStatusSucceeded, ev.Snapshot.Status)

	// 产物由持久化钩子异步写入
	require.Eventually(t, func() bool {
		_, err := f.artifacts.GetArtifact(context.Background(), acc.TaskID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	art := decode[model.Artifact](t, f.do(t, "GET", "/api/v1/artifacts/"+acc.TaskID, "alice", nil, nil))
	assert.Equal(t, "c1", art.ConversationID)
	assert.Equal(t, http.StatusForbidden, f.do(t, "GET", "/api/v1/artifacts/"+acc.TaskID, "mallory", nil, nil).StatusCode)
}

func TestCreateGeneration_EscalationFollowsTask(t *testing.T) {
	prov := &stub.Provider{ChunkSize: 1, ChunkDelay: 20 * time.Millisecond}
	estCfg := estimator.DefaultConfig()
	estCfg.RequestBudget = 80 * time.Millisecond
	f := newFixture(t, prov, estCfg)
	prompt := "a page with a headline"

	resp := f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": prompt}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp)
	require.Equal(t, 1, countOf(events, "mode_switch"), "exactly one mode switch: %v", names(events))
	assert.Equal(t, "completed", events[len(events)-1].Name)

	var (
		delivered strings.Builder
		switched  bool
		ms        dispatcher.ModeSwitch
		snapshot  *model.AsyncTask
		rest      strings.Builder
	)
	for _, e := range events {
		switch {
		case e.Name == "batch":
			assert.False(t, switched, "no direct batches after the switch")
			var b pipeline.Batch
			require.NoError(t, json.Unmarshal([]byte(e.Data), &b))
			delivered.WriteString(b.Text)
		case e.Name == "mode_switch":
			switched = true
			require.NoError(t, json.Unmarshal([]byte(e.Data), &ms))
		case e.Name == "connected":
			var ev model.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(e.Data), &ev))
			snapshot = ev.Snapshot
		case e.Name == "progress" || e.Name == "completed":
			var ev model.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(e.Data), &ev))
			rest.WriteString(ev.Delta)
		}
	}
	require.NotNil(t, snapshot)
	assert.Equal(t, model.ModeDirect, ms.From)
	assert.Equal(t, model.ModeAsync, ms.To)
	assert.Equal(t, dispatcher.ReasonTimeBudget, ms.Reason)
	assert.Equal(t, delivered.Len(), ms.Delivered)
	assert.Equal(t, delivered.String(), snapshot.ResumeOutput)
	assert.Equal(t, prompt, snapshot.ResumeOutput+snapshot.Output+rest.String())

	task := waitTerminal(t, f, ms.TaskID)
	assert.Equal(t, model.TaskOriginEscalated, task.Origin)
	assert.Equal(t, prompt, task.FullOutput())
}

func TestEscalateGeneration_UnknownRequest(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())
	resp := f.do(t, "POST", "/api/v1/generations/unknown/escalate", "alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask(t *testing.T) {
	prov := &stub.Provider{DelayFor: func(provider.Fragment) time.Duration { return time.Hour }}
	f := newFixture(t, prov, asyncEstimator())

	acc := decode[generationAccepted](t, f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "a big site"}, nil))
	require.Eventually(t, func() bool {
		task, err := f.store.Get(context.Background(), acc.TaskID)
		return err == nil && task.Status == model.TaskStatusProcessing
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusForbidden, f.do(t, "DELETE", acc.StatusURL, "mallory", nil, nil).StatusCode)

	resp := f.do(t, "DELETE", acc.StatusURL, "alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelling", decode[map[string]string](t, resp)["status"])

	task := waitTerminal(t, f, acc.TaskID)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, model.KindCancelled, task.Error.Kind)

	assert.Equal(t, http.StatusConflict, f.do(t, "DELETE", acc.StatusURL, "alice", nil, nil).StatusCode)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())

	body := decode[map[string]any](t, f.do(t, "GET", "/api/v1/estimate?prompt="+url.QueryEscape("say hi"), "alice", nil, nil))
	assert.Equal(t, "small", body["class"])
	assert.Equal(t, "direct", body["mode"])

	long := strings.Repeat("a full-stack platform dashboard system ", 60)
	body = decode[map[string]any](t, f.do(t, "POST", "/api/v1/estimate", "alice", map[string]string{"prompt": long}, nil))
	assert.Equal(t, "large", body["class"])
	assert.Equal(t, "async", body["mode"])
	assert.Zero(t, f.store.Len())
}

func TestListArtifacts(t *testing.T) {
	f := newFixture(t, stub.New(), estimator.DefaultConfig())
	now := time.Now()
	for i, owner := range []string{"alice", "alice", "bob"} {
		require.NoError(t, f.artifacts.SaveArtifact(context.Background(), &model.Artifact{
			ID: fmt.Sprintf("a%d", i), Owner: owner, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	body := decode[struct {
		Artifacts []model.Artifact `json:"artifacts"`
		Count     int              `json:"count"`
	}](t, f.do(t, "GET", "/api/v1/artifacts", "alice", nil, nil))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "a1", body.Artifacts[0].ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "/api/v1/artifacts/missing", "alice", nil, nil).StatusCode)
}

func TestTaskEventsWebSocket(t *testing.T) {
	prov := &stub.Provider{DelayFor: func(provider.Fragment) time.Duration { return time.Hour }}
	f := newFixture(t, prov, asyncEstimator())
	acc := decode[generationAccepted](t, f.do(t, "POST", "/api/v1/generations", "alice", map[string]string{"prompt": "a big site"}, nil))

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + acc.WSURL

	// 归属校验在升级之前完成
	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+f.token(t, "mallory"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?access_token="+f.token(t, "alice"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first model.ProgressEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, model.EventTypeConnected, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Equal(t, acc.TaskID, first.Snapshot.ID)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "pong" {
			break
		}
	}

	// 取消任务后推送 failed 并关闭连接
	require.Equal(t, http.StatusOK, f.do(t, "DELETE", acc.StatusURL, "alice", nil, nil).StatusCode)
	var last model.ProgressEvent
	for {
		var ev model.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		last = ev
	}
	assert.Equal(t, model.EventTypeFailed, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, model.KindCancelled, last.Error.Kind)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewValidationError("x"), http.StatusBadRequest},
		{fmt.Errorf("resolve: %w", auth.ErrUnauthorized), http.StatusUnauthorized},
		{model.ErrNotOwned, http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{model.ErrTerminal, http.StatusConflict},
		{model.NewTransientError("x", nil), http.StatusBadGateway},
		{&model.GenError{Kind: model.KindTimeout}, http.StatusGatewayTimeout},
		{taskmgr.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/api/v1/tasks/{id}", normalizePath("/api/v1/tasks/123"))
	assert.Equal(t, "/api/v1/tasks/{id}/events", normalizePath("/api/v1/tasks/123/events"))
	assert.Equal(t, "/api/v1/generations", normalizePath("/api/v1/generations"))
	assert.Equal(t, "/health", normalizePath("/health"))
}
