package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/qa-realtime/internal/api/middleware"
	"github.com/d60-Lab/qa-realtime/internal/service"
	"github.com/d60-Lab/qa-realtime/pkg/response"
)

// Status 断线后客户端用来对账
// @Summary 实时状态与通知
// @Tags 实时推送
// @Produce json
// @Security BearerAuth
// @Param limit query int false "返回的通知条数" default(10)
// @Success 200 {object} response.Response{data=service.Status}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/realtime/status [get]
func (h *Handler) Status(c *gin.Context) {
	limit := service.DefaultStatusLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	response.Success(c, h.status.Status(c.Request.Context(), middleware.UserID(c), limit))
}

// MarkRead 全部标记已读
// @Summary 将通知全部标记为已读
// @Tags 实时推送
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 500 {object} response.Response
// @Router /api/v1/realtime/notifications/read [post]
func (h *Handler) MarkRead(c *gin.Context) {
	if err := h.status.MarkAllRead(c.Request.Context(), middleware.UserID(c)); err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, nil)
}

type healthBody struct {
	Status      string `json:"status"`
	Broker      bool   `json:"broker"`
	Connections int    `json:"connections"`
	Timestamp   int64  `json:"timestamp"`
}

// Health 健康检查。消息总线不可用时仍返回 200，状态为 degraded
// @Summary 健康检查
// @Tags 系统
// @Produce json
// @Success 200 {object} healthBody
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	alive := h.broker.Alive(c.Request.Context())
	body := healthBody{
		Status:      service.StatusOK,
		Broker:      alive,
		Connections: h.gateway.Count(),
		Timestamp:   time.Now().UnixMilli(),
	}
	if !alive {
		body.Status = service.StatusDegraded
	}
	c.JSON(http.StatusOK, body)
}
