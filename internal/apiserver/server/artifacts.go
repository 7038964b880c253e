package server

import (
	"net/http"
	"strconv"
)

// ListArtifacts 列出调用方的产物
//
// 路由: GET /api/v1/artifacts?limit=20
//
// 按创建时间倒序，limit 默认 20，最大 100。
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	artifacts, err := h.artifacts.ListArtifactsByOwner(r.Context(), ownerOf(r), limit)
	if err != nil {
		h.logger.WithError(err).Error("failed to list artifacts")
		writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts, "count": len(artifacts)})
}

// GetArtifact 获取产物
//
// 路由: GET /api/v1/artifacts/{id}
//
// 错误响应:
//   - 403 Forbidden: 产物不属于调用方
//   - 404 Not Found: 产物不存在
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.artifacts.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErrorFrom(w, err, "")
		return
	}
	if artifact.Owner != ownerOf(r) {
		writeError(w, http.StatusForbidden, "artifact is not owned by caller")
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}
