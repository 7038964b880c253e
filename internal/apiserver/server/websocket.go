package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sitegen/internal/shared/model"
)

// upgrader WebSocket 升级器配置
//
// CheckOrigin 允许所有来源，访问控制由凭证完成。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage 客户端消息
type wsMessage struct {
	Type string `json:"type"`
}

// StreamTaskEventsWS 以 WebSocket 订阅任务进度
//
// 路由: GET /ws/tasks/{id}/events?access_token=...
//
// 推送消息即 ProgressEvent 的 JSON，事件顺序与 SSE 订阅相同；
// 推送终态事件后服务端发送 close 帧。
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
//
// 归属校验在升级前完成，失败时返回普通 HTTP 错误。
func (h *Handler) StreamTaskEventsWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := r.PathValue("id")
	events, err := h.bridge.Attach(ctx, id, ownerOf(r))
	if err != nil {
		writeErrorFrom(w, err, "")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithTaskID(id).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.metrics.StreamOpened("ws")
	defer h.metrics.StreamClosed("ws")

	pongs := make(chan struct{}, 1)
	go h.readPump(conn, cancel, pongs)
	h.writePump(ctx, conn, events, pongs)
}

// readPump 读取客户端消息
//
// 连接关闭或读超时时取消会话上下文；ping 交给写循环回复，保证同一时刻只有一个写者。
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc, pongs chan<- struct{}) {
	defer cancel()
	readWait := 2 * h.cfg.WSPingInterval
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WithError(err).Debug("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var m wsMessage
		if json.Unmarshal(msg, &m) == nil && m.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// writePump 向客户端推送事件
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, events <-chan model.ProgressEvent, pongs <-chan struct{}) {
	pingTicker := time.NewTicker(h.cfg.WSPingInterval)
	defer pingTicker.Stop()

	write := func(v any, msgType string) bool {
		conn.SetWriteDeadline(time.Now().Add(h.cfg.WSWriteTimeout))
		if err := conn.WriteJSON(v); err != nil {
			h.logger.WithError(err).Debug("websocket write error")
			return false
		}
		h.metrics.RecordStreamMessage("ws", msgType)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pongs:
			if !write(wsMessage{Type: "pong"}, "pong") {
				return
			}
		case ev, ok := <-events:
			if !ok {
				h.closeWS(conn, websocket.CloseGoingAway, "stream ended")
				return
			}
			if !write(ev, string(ev.Type)) {
				return
			}
			if isSessionEnd(ev) {
				h.closeWS(conn, websocket.CloseNormalClosure, string(ev.Type))
				return
			}
		}
	}
}

func (h *Handler) closeWS(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WSWriteTimeout))
}
