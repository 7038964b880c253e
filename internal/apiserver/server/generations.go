package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"sitegen/internal/orchestrator/dispatcher"
	"sitegen/internal/orchestrator/pipeline"
	"sitegen/internal/shared/model"
	"sitegen/pkg/logging"
)

// createGenerationRequest 生成请求体
type createGenerationRequest struct {
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id"`
}

// generationAccepted 进入后台执行的响应体
type generationAccepted struct {
	RequestID string              `json:"request_id"`
	TaskID    string              `json:"task_id"`
	Mode      model.ExecutionMode `json:"mode"`
	Escalated bool                `json:"escalated"`
	Reason    string              `json:"reason,omitempty"`
	Output    string              `json:"output,omitempty"`
	StatusURL string              `json:"status_url"`
	EventsURL string              `json:"events_url"`
	WSURL     string              `json:"ws_url"`
}

func acceptedFrom(res *dispatcher.Result) generationAccepted {
	return generationAccepted{
		RequestID: res.RequestID,
		TaskID:    res.TaskID,
		Mode:      res.Mode,
		Escalated: res.Escalated,
		Reason:    res.Reason,
		Output:    res.Output,
		StatusURL: "/api/v1/tasks/" + res.TaskID,
		EventsURL: "/api/v1/tasks/" + res.TaskID + "/events",
		WSURL:     "/ws/tasks/" + res.TaskID + "/events",
	}
}

// generationDone direct/segmented 请求的终止事件
type generationDone struct {
	RequestID string                `json:"request_id"`
	Mode      model.ExecutionMode   `json:"mode"`
	Score     model.ComplexityScore `json:"score"`
	Chars     int                   `json:"chars"`
	Error     *model.TaskError      `json:"error,omitempty"`
}

// segmentEvent 分段开始事件
type segmentEvent struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// CreateGeneration 提交生成请求
//
// 路由: POST /api/v1/generations
//
// 请求体:
//
//	{"prompt": "...", "model": "llama3.2", "conversation_id": "c1"}
//
// 响应:
//   - direct/segmented: text/event-stream，事件依次为 segment / batch / keepalive，
//     以 completed 或 failed 结束；运行中升级时先推送 mode_switch，
//     之后推送任务的 connected / progress / heartbeat，直到任务终态
//   - 请求头 Accept: application/json 时改为缓冲输出，200 返回 {mode, output}
//   - async（准入即判定或运行中升级的 JSON 模式）: 202 返回任务 ID 与订阅地址
//
// 错误响应:
//   - 400 校验失败；401 未认证；502 Provider 失败；504 超时
func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var body createGenerationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := model.GenerationRequest{
		RequestID:      uuid.NewString(), // 请求 ID 也是升级接口的路径参数，只由服务端分配
		Owner:          ownerOf(r),
		Prompt:         body.Prompt,
		Model:          body.Model,
		ConversationID: body.ConversationID,
	}
	if req.Model == "" {
		req.Model = h.cfg.DefaultModel
	}
	w.Header().Set("X-Request-ID", req.RequestID)
	ctx := logging.WithRequestContext(r.Context(), req.RequestID, req.Owner)

	if wantsJSON(r) {
		h.generateBuffered(ctx, w, req)
		return
	}
	h.generateStreaming(ctx, w, req)
}

func (h *Handler) generateStreaming(ctx context.Context, w http.ResponseWriter, req model.GenerationRequest) {
	sse := newSSEWriter(w, h.metrics)
	defer sse.close()
	stream := &generationStream{sse: sse}

	res, err := h.dispatcher.Dispatch(ctx, req, stream)
	if err != nil {
		if !sse.started {
			partial := ""
			if res != nil {
				partial = res.Output
			}
			writeErrorFrom(w, err, partial)
			return
		}
		done := generationDone{RequestID: req.RequestID, Error: model.ToTaskError(err)}
		if res != nil {
			done.Mode, done.Score, done.Chars = res.Mode, res.Score, len(res.Output)
		}
		if serr := sse.send(string(model.EventTypeFailed), done); serr != nil {
			h.logger.WithContext(ctx).WithError(serr).Debug("failed to deliver terminal event")
		}
		return
	}

	switch {
	case res.Escalated:
		h.follow(ctx, sse, res.TaskID, req.Owner)
	case res.Mode == model.ModeAsync:
		writeJSON(w, http.StatusAccepted, acceptedFrom(res))
	default:
		done := generationDone{RequestID: res.RequestID, Mode: res.Mode, Score: res.Score, Chars: len(res.Output)}
		if serr := sse.send(string(model.EventTypeCompleted), done); serr != nil {
			h.logger.WithContext(ctx).WithError(serr).Debug("failed to deliver terminal event")
		}
	}
}

// follow 升级后在同一连接上跟随任务进度直到终态
func (h *Handler) follow(ctx context.Context, sse *sseWriter, taskID, owner string) {
	events, err := h.bridge.Attach(ctx, taskID, owner)
	if err != nil {
		sse.send(string(model.EventTypeFailed), model.ProgressEvent{
			TaskID: taskID, Type: model.EventTypeFailed, Status: model.TaskStatusFailed, Error: model.ToTaskError(err),
		})
		return
	}
	for ev := range events {
		if err := sse.send(string(ev.Type), ev); err != nil {
			return
		}
	}
}

func (h *Handler) generateBuffered(ctx context.Context, w http.ResponseWriter, req model.GenerationRequest) {
	buf := &bufferStream{}
	res, err := h.dispatcher.Dispatch(ctx, req, buf)
	if err != nil {
		writeErrorFrom(w, err, buf.out.String())
		return
	}
	if res.Mode == model.ModeAsync {
		writeJSON(w, http.StatusAccepted, acceptedFrom(res))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": res.RequestID,
		"mode":       res.Mode,
		"score":      res.Score,
		"output":     res.Output,
	})
}

// EscalateGeneration 把进行中的请求升级为后台任务
//
// 路由: POST /api/v1/generations/{id}/escalate
//
// 响应:
//   - 202 Accepted: 已触发升级，原连接上会收到 mode_switch；
//     仅当生成恰好先一步成功完成时，原连接改为正常结束
//   - 404 Not Found: 请求不存在、已结束、已升级或不属于调用方
func (h *Handler) EscalateGeneration(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.dispatcher.Escalate(id, ownerOf(r), dispatcher.ReasonRequested) {
		writeError(w, http.StatusNotFound, "no escalatable request in flight")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "escalating"})
}

// Estimate 评估提示词复杂度，不执行生成
//
// 路由: GET /api/v1/estimate?prompt=...&model=...
// 路由: POST /api/v1/estimate（请求体同 CreateGeneration）
//
// 响应: {"score": 860, "class": "medium", "mode": "segmented"}
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var body createGenerationRequest
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	} else {
		body.Prompt = r.URL.Query().Get("prompt")
		body.Model = r.URL.Query().Get("model")
	}
	if body.Model == "" {
		body.Model = h.cfg.DefaultModel
	}
	score, mode := h.dispatcher.Classify(model.GenerationRequest{Prompt: body.Prompt, Model: body.Model})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"score": score.Score,
		"class": score.Class,
		"mode":  mode,
	})
}

// wantsJSON 调用方明确要求非流式 JSON 响应
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}

// ============================================================================
// 调用方连接
// ============================================================================

// generationStream 把管道输出写成 SSE 事件
type generationStream struct {
	sse *sseWriter
}

func (s *generationStream) Batch(_ context.Context, b pipeline.Batch) error {
	return s.sse.send("batch", b)
}

func (s *generationStream) KeepAlive(context.Context) error {
	return s.sse.send("keepalive", struct{}{})
}

func (s *generationStream) SegmentStarted(_ context.Context, seg pipeline.Segment, total int) error {
	return s.sse.send("segment", segmentEvent{Index: seg.Index, Total: total})
}

func (s *generationStream) ModeSwitch(_ context.Context, ms dispatcher.ModeSwitch) error {
	return s.sse.send("mode_switch", ms)
}

// bufferStream JSON 模式下缓冲输出
type bufferStream struct {
	out strings.Builder
}

func (s *bufferStream) Batch(_ context.Context, b pipeline.Batch) error {
	s.out.WriteString(b.Text)
	return nil
}

func (s *bufferStream) KeepAlive(context.Context) error { return nil }

func (s *bufferStream) ModeSwitch(context.Context, dispatcher.ModeSwitch) error { return nil }
