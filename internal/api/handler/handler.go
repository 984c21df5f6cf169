package handler

import (
	"context"

	"github.com/d60-Lab/qa-realtime/internal/gateway"
	"github.com/d60-Lab/qa-realtime/internal/service"
)

// Liveness is implemented by *eventbus.Bus.
type Liveness interface {
	Alive(ctx context.Context) bool
}

// Handler 实时推送相关的 HTTP 入口
type Handler struct {
	gateway   *gateway.Gateway
	status    *service.StatusService
	publisher *service.Publisher
	broker    Liveness
}

func NewHandler(gw *gateway.Gateway, status *service.StatusService, publisher *service.Publisher, broker Liveness) *Handler {
	return &Handler{gateway: gw, status: status, publisher: publisher, broker: broker}
}
