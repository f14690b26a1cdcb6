package server

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ScoringService 管線在 gRPC 健康檢查中的服務名
const ScoringService = "talent_match.ScoringPipeline"

// Health gRPC 健康檢查服務，管線啟動前回報 NOT_SERVING
type Health struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewHealth 建立 gRPC 服務並註冊 grpc.health.v1
func NewHealth(opts ...grpc.ServerOption) *Health {
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	h := &Health{grpc: s, health: hs}
	h.SetServing(false)
	return h
}

// SetServing 切換整體與管線服務的狀態
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ScoringService, status)
}

// Serve 阻塞直到 Stop 被呼叫
func (h *Health) Serve(lis net.Listener) error {
	return h.grpc.Serve(lis)
}

// Stop 將狀態切為 NOT_SERVING 後優雅關閉
func (h *Health) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
