// Package status 对外暴露引擎健康状态（gRPC health）和 Prometheus 指标
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/houzhh15/procwatch/internal/engine"
	"github.com/houzhh15/procwatch/internal/log"
)

// ServiceName 健康检查中的服务名
const ServiceName = "procwatch.Engine"

// Config 状态服务配置，地址为空的端点不启用
type Config struct {
	GRPCAddr         string        // gRPC 健康检查地址
	MetricsAddr      string        // /metrics HTTP 地址
	KeepaliveTime    time.Duration // Keepalive 时间，默认 5 分钟
	KeepaliveTimeout time.Duration // Keepalive 超时，默认 20 秒
}

// Server 状态服务
type Server struct {
	config   Config
	logger   *log.Logger
	gatherer prometheus.Gatherer

	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server

	mu         sync.Mutex
	grpcLis    net.Listener
	metricsLis net.Listener
	wg         sync.WaitGroup
	serving    bool
}

// NewServer 创建状态服务
func NewServer(cfg Config, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 5 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 20 * time.Second
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.NewNop()
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             1 * time.Minute,
			PermitWithoutStream: true,
		}),
	)

	// 注册健康检查服务，引擎进入 Running 前为 NOT_SERVING
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		config:     cfg,
		logger:     logger.WithModule("status"),
		gatherer:   gatherer,
		health:     healthServer,
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start 监听并在后台提供服务，监听失败时返回错误
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serving {
		return nil
	}

	if s.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}
		s.grpcLis = lis
	}
	if s.config.MetricsAddr != "" {
		lis, err := net.Listen("tcp", s.config.MetricsAddr)
		if err != nil {
			if s.grpcLis != nil {
				s.grpcLis.Close()
				s.grpcLis = nil
			}
			return fmt.Errorf("failed to listen on %s: %w", s.config.MetricsAddr, err)
		}
		s.metricsLis = lis
	}
	s.serving = true

	if s.grpcLis != nil {
		s.logger.Info("Starting gRPC health server", zap.String("addr", s.grpcLis.Addr().String()))
		s.wg.Add(1)
		go func(lis net.Listener) {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Error("gRPC health server failed", zap.Error(err))
			}
		}(s.grpcLis)
	}
	if s.metricsLis != nil {
		s.logger.Info("Starting metrics server", zap.String("addr", s.metricsLis.Addr().String()))
		s.wg.Add(1)
		go func(lis net.Listener) {
			defer s.wg.Done()
			if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}(s.metricsLis)
	}
	return nil
}

// SetState 实现 engine.StateListener：Running 时为 SERVING，其余为 NOT_SERVING
func (s *Server) SetState(state engine.State) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if state == engine.StateRunning {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	// 空服务名表示整体状态
	s.health.SetServingStatus("", status)
}

// GRPCAddr 实际监听地址，未启用时为空
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// MetricsAddr 实际监听地址，未启用时为空
func (s *Server) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLis == nil {
		return ""
	}
	return s.metricsLis.Addr().String()
}

// Stop 带超时的优雅停止
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	serving := s.serving
	s.serving = false
	s.mu.Unlock()
	if !serving {
		return
	}

	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gRPC server graceful stop timeout, forcing stop")
		s.grpcServer.Stop()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		s.httpServer.Close()
	}
	s.wg.Wait()
	s.logger.Info("Status server stopped")
}
