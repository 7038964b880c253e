package server

import (
	"net/http"

	"sitegen/internal/shared/model"
)

// GetTask 获取任务快照
//
// 路由: GET /api/v1/tasks/{id}
//
// 响应:
//
//	{"task": {...}, "seq": 12}
//
// 错误响应:
//   - 403 Forbidden: 任务不属于调用方（终态任务同样校验）
//   - 404 Not Found: 任务不存在或已过期移除
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := h.bridge.Poll(r.Context(), r.PathValue("id"), ownerOf(r))
	if err != nil {
		writeErrorFrom(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelTask 取消任务
//
// 路由: DELETE /api/v1/tasks/{id}
//
// pending 任务直接移除；processing 任务停止生成并最终记为 failed/cancelled。
//
// 响应:
//   - 200 OK: {"task_id": "...", "status": "removed" | "cancelling"}
//   - 409 Conflict: 任务已终结
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	removed, err := h.tasks.Cancel(r.Context(), id, ownerOf(r))
	if err != nil {
		writeErrorFrom(w, err, "")
		return
	}
	status := "cancelling"
	if removed {
		status = "removed"
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": status})
}

// StreamTaskEvents 以 SSE 订阅任务进度
//
// 路由: GET /api/v1/tasks/{id}/events
//
// 事件顺序: connected（当前快照）→ progress / heartbeat ... → completed | failed。
// 附着到已终结任务时只推送 connected。断开重连总是从新的快照开始，不会收到重复事件。
func (h *Handler) StreamTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.bridge.Attach(r.Context(), r.PathValue("id"), ownerOf(r))
	if err != nil {
		writeErrorFrom(w, err, "")
		return
	}
	sse := newSSEWriter(w, h.metrics)
	defer sse.close()
	for ev := range events {
		if err := sse.send(string(ev.Type), ev); err != nil {
			return
		}
	}
}

// isSessionEnd 事件是否意味着会话结束
func isSessionEnd(ev model.ProgressEvent) bool {
	if ev.Type.IsTerminal() {
		return true
	}
	return ev.Type == model.EventTypeConnected && ev.Snapshot != nil && ev.Snapshot.Status.IsTerminal()
}
