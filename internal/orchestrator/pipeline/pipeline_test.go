package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegen/internal/orchestrator/retry"
	"sitegen/internal/provider"
	"sitegen/internal/provider/stub"
	"sitegen/internal/shared/model"
)

type recordingSink struct {
	mu         sync.Mutex
	batches    []Batch
	keepAlives int
	segments   []int
	order      []string
}

func (s *recordingSink) Batch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	s.order = append(s.order, "batch")
	return nil
}

func (s *recordingSink) KeepAlive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	s.order = append(s.order, "keepalive")
	return nil
}

func (s *recordingSink) SegmentStarted(_ context.Context, seg Segment, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg.Index)
	return nil
}

func (s *recordingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, x := range s.batches {
		b.WriteString(x.Text)
	}
	return b.String()
}

func newPipeline(p provider.Provider, cfg Config, retries int) *Pipeline {
	return New(p, cfg, retry.ZeroDelay(retries), nil)
}

func TestRun_DirectSingleChunk(t *testing.T) {
	prov := &stub.Provider{Respond: func(provider.Fragment) string { return "OK" }}
	pl := newPipeline(prov, DefaultConfig(), 2)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "make me a page please"}, pl.Segmenter()), sink)
	require.NoError(t, out.Err)
	assert.Equal(t, "OK", out.Output)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, Batch{Segment: 1, Text: "OK"}, sink.batches[0])
	assert.Empty(t, sink.segments, "direct mode has no segment notifications")
}

func TestRun_BatchesByFixedSize(t *testing.T) {
	prov := &stub.Provider{ChunkSize: 1}
	pl := newPipeline(prov, Config{BatchChars: 4}, 0)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "abcdefghij"}, pl.Segmenter()), sink)
	require.NoError(t, out.Err)
	var texts []string
	for _, b := range sink.batches {
		texts = append(texts, b.Text)
	}
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, texts)
}

func TestRun_KeepAliveWhileIdle(t *testing.T) {
	prov := &stub.Provider{DelayFor: func(provider.Fragment) time.Duration { return 80 * time.Millisecond }}
	pl := newPipeline(prov, Config{KeepAliveInterval: 10 * time.Millisecond}, 0)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hello"}, pl.Segmenter()), sink)
	require.NoError(t, out.Err)
	assert.GreaterOrEqual(t, sink.keepAlives, 2)
	assert.Equal(t, "batch", sink.order[len(sink.order)-1])
	assert.Equal(t, "hello", sink.text())
}

func TestRun_SegmentConcatenationLaw(t *testing.T) {
	prompts := []string{
		"Build a landing page with a navbar.\nAdd a pricing table.\nFinish with a footer and contact form.",
		strings.Repeat("a", 97),
		strings.Repeat("ab ", 40),
		"做一个带购物车的商城首页。需要商品列表。还要结算页面。",
		"x",
		"",
	}
	for _, prompt := range prompts {
		for _, count := range []int{1, 2, 3, 5} {
			cfg := Config{BatchChars: 7, SegmentCount: count}
			req := model.GenerationRequest{Prompt: prompt}

			direct := newPipeline(stub.New(), cfg, 0)
			dOut := direct.Run(context.Background(), PlanFor(model.ModeDirect, req, direct.Segmenter()), &recordingSink{})
			require.NoError(t, dOut.Err)

			seg := newPipeline(stub.New(), cfg, 0)
			sink := &recordingSink{}
			sOut := seg.Run(context.Background(), PlanFor(model.ModeSegmented, req, seg.Segmenter()), sink)
			require.NoError(t, sOut.Err)

			assert.Equal(t, dOut.Output, sOut.Output, "prompt %q count %d", prompt, count)
			assert.Equal(t, sOut.Output, sink.text())

			last := 0
			for _, b := range sink.batches {
				assert.GreaterOrEqual(t, b.Segment, last, "batches must not interleave segments")
				last = b.Segment
			}
		}
	}
}

func TestRun_SegmentsStrictlyOrdered(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&sb, "Build dashboard module %d with charts. ", i)
	}
	prompt := sb.String()
	segs := Segmenter{Count: 3}.Split(prompt)
	require.Len(t, segs, 3)

	// 第一段最慢，后面的分段更快；管道仍必须等待
	delays := map[string]time.Duration{
		segs[0].Prompt: 60 * time.Millisecond,
		segs[1].Prompt: 5 * time.Millisecond,
		segs[2].Prompt: 0,
	}
	prov := &stub.Provider{ChunkSize: 16, DelayFor: func(f provider.Fragment) time.Duration { return delays[f.Prompt] }}
	pl := newPipeline(prov, Config{BatchChars: 32, SegmentCount: 3}, 0)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeSegmented, model.GenerationRequest{Prompt: prompt}, pl.Segmenter()), sink)
	require.NoError(t, out.Err)
	assert.Equal(t, prompt, out.Output)
	assert.Equal(t, []int{1, 2, 3}, sink.segments)

	calls := prov.Calls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.False(t, calls[i].Start.Before(calls[i-1].End), "segment %d started before %d finished", i+1, i)
		assert.Equal(t, out.Output[:len(calls[i].Fragment.Preceding)], calls[i].Fragment.Preceding)
	}
}

func TestRun_RetriesTransientBeforeDelivery(t *testing.T) {
	prov := &stub.Provider{FailWith: func(_ provider.Fragment, call int) (error, int) {
		if call <= 2 {
			return model.NewTransientError("unavailable", errors.New("503")), 0
		}
		return nil, 0
	}}
	pl := newPipeline(prov, DefaultConfig(), 2)

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hi"}, pl.Segmenter()), &recordingSink{})
	require.NoError(t, out.Err)
	assert.Equal(t, "hi", out.Output)
	assert.Len(t, prov.Calls(), 3)
}

func TestRun_KeepAliveDuringRetryBackoff(t *testing.T) {
	prov := &stub.Provider{FailWith: func(_ provider.Fragment, call int) (error, int) {
		if call == 1 {
			return model.NewTransientError("unavailable", errors.New("503")), 0
		}
		return nil, 0
	}}
	policy := retry.Policy{MaxRetries: 1, InitialDelay: 80 * time.Millisecond, MaxDelay: 80 * time.Millisecond, BackoffMultiplier: 1}
	pl := New(prov, Config{KeepAliveInterval: 10 * time.Millisecond}, policy, nil)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hi"}, pl.Segmenter()), sink)
	require.NoError(t, out.Err)
	assert.Equal(t, "hi", out.Output)
	require.Len(t, prov.Calls(), 2)

	// 第二次调用开始前的等待期间也有保活
	second := prov.Calls()[1].Start
	first := prov.Calls()[0].End
	require.GreaterOrEqual(t, second.Sub(first), 80*time.Millisecond)
	assert.GreaterOrEqual(t, sink.keepAlives, 3)
}

func TestRun_RetriesExhausted(t *testing.T) {
	prov := &stub.Provider{FailWith: func(provider.Fragment, int) (error, int) {
		return model.NewTransientError("unavailable", errors.New("503")), 0
	}}
	pl := newPipeline(prov, DefaultConfig(), 2)

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hi"}, pl.Segmenter()), &recordingSink{})
	assert.True(t, model.IsTransient(out.Err))
	assert.Len(t, prov.Calls(), 3)
}

func TestRun_NoRetryAfterDelivery(t *testing.T) {
	prov := &stub.Provider{FailWith: func(provider.Fragment, int) (error, int) {
		return model.NewTransientError("reset", errors.New("eof")), 3
	}}
	pl := newPipeline(prov, Config{BatchChars: 1}, 2)
	sink := &recordingSink{}

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hello"}, pl.Segmenter()), sink)
	require.Error(t, out.Err)
	assert.Len(t, prov.Calls(), 1)
	assert.Equal(t, "hel", out.Output)
	assert.Equal(t, "hel", sink.text())
}

func TestRun_FatalNotRetried(t *testing.T) {
	prov := &stub.Provider{FailWith: func(provider.Fragment, int) (error, int) {
		return model.NewFatalError("refused", errors.New("400")), 0
	}}
	pl := newPipeline(prov, DefaultConfig(), 5)

	out := pl.Run(context.Background(), PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hi"}, pl.Segmenter()), &recordingSink{})
	assert.Equal(t, model.KindProviderFatal, model.KindOf(out.Err))
	assert.Len(t, prov.Calls(), 1)
}

func TestRun_SegmentFailureAbortsRest(t *testing.T) {
	prompt := "first part here.\nsecond part here.\nthird part here."
	segs := Segmenter{Count: 3}.Split(prompt)
	require.Len(t, segs, 3)

	prov := &stub.Provider{FailWith: func(f provider.Fragment, _ int) (error, int) {
		if f.Prompt == segs[1].Prompt {
			return model.NewFatalError("refused", errors.New("policy")), 0
		}
		return nil, 0
	}}
	pl := newPipeline(prov, Config{SegmentCount: 3}, 2)

	out := pl.Run(context.Background(), PlanFor(model.ModeSegmented, model.GenerationRequest{Prompt: prompt}, pl.Segmenter()), &recordingSink{})
	require.Error(t, out.Err)
	var ge *model.GenError
	require.ErrorAs(t, out.Err, &ge)
	assert.Equal(t, 2, ge.Segment)
	assert.Equal(t, model.KindProviderFatal, ge.Kind)
	assert.Equal(t, segs[0].Prompt, out.Output, "preceding output is preserved")
	assert.Len(t, prov.Calls(), 2, "third segment must not run")
}

func TestRun_CancelStopsProvider(t *testing.T) {
	prov := &stub.Provider{DelayFor: func(provider.Fragment) time.Duration { return time.Hour }}
	pl := newPipeline(prov, DefaultConfig(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := pl.Run(ctx, PlanFor(model.ModeDirect, model.GenerationRequest{Prompt: "hi"}, pl.Segmenter()), &recordingSink{})
	assert.Equal(t, model.KindCancelled, model.KindOf(out.Err))
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestRun_ResumePlanContinues(t *testing.T) {
	pl := newPipeline(stub.New(), DefaultConfig(), 0)
	sink := &recordingSink{}
	out := pl.Run(context.Background(), ResumePlan("hello world", "m", "hello"), sink)
	require.NoError(t, out.Err)
	assert.Equal(t, " world", out.Output)
}
