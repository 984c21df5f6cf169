package handler

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/internal/api/middleware"
	"github.com/d60-Lab/qa-realtime/internal/eventbus"
	"github.com/d60-Lab/qa-realtime/internal/gateway"
	"github.com/d60-Lab/qa-realtime/pkg/logger"
	"github.com/d60-Lab/qa-realtime/pkg/response"
)

// sseStream writes frames as unnamed SSE messages so EventSource.onmessage
// sees every frame; the frame type travels inside the JSON body.
type sseStream struct {
	w gin.ResponseWriter
}

func (s *sseStream) WriteFrame(f gateway.Frame) error {
	if err := sse.Encode(s.w, sse.Event{Data: f}); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// Stream 建立实时推送连接
// @Summary 订阅实时事件（SSE）
// @Description 每一帧为 JSON：{type, data?, message?, timestamp, connectionId?}。消息总线不可用时返回 503，客户端需手动刷新。
// @Tags 实时推送
// @Produce text/event-stream
// @Security BearerAuth
// @Param token query string false "EventSource 无法设置请求头时使用的 JWT"
// @Success 200 {object} gateway.Frame
// @Failure 401 {object} response.Response
// @Failure 429 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/realtime/stream [get]
func (h *Handler) Stream(c *gin.Context) {
	userID := middleware.UserID(c)
	conn, err := h.gateway.Connect(c.Request.Context(), userID)
	switch {
	case errors.Is(err, eventbus.ErrBrokerUnavailable):
		response.ServiceUnavailable(c, "realtime updates unavailable, refresh manually")
		return
	case errors.Is(err, gateway.ErrShuttingDown):
		response.ServiceUnavailable(c, "server shutting down")
		return
	case err != nil:
		response.InternalError(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	err = conn.Serve(c.Request.Context(), &sseStream{w: c.Writer})
	if err != nil {
		logger.Info("stream ended",
			zap.String("connection_id", conn.ID()), zap.String("user_id", userID), zap.Error(err))
	}
}
