package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/houzhh15/sdc-agent/logging"
)

// TunnelHealthService gRPC 健康检查中的服务名
const TunnelHealthService = "sdc.agent.Tunnel"

// grpcServer 管理面 gRPC 服务器
// 提供标准 grpc.health.v1 服务，隧道服务状态跟随 ClientHealth
type grpcServer struct {
	server    *grpc.Server
	health    *health.Server
	tlsConfig *tls.Config
	probe     *ClientHealth
	interval  time.Duration
	logger    logging.Logger

	mu       sync.RWMutex
	listener net.Listener
	services []serviceDesc

	stopChan chan struct{}
	stopOnce sync.Once
}

type serviceDesc struct {
	desc *grpc.ServiceDesc
	impl interface{}
}

// GRPCConfig gRPC 服务器配置
type GRPCConfig struct {
	TLSConfig *tls.Config   // 为空时不加密，仅适合回环地址
	Health    *ClientHealth // 为空时隧道服务恒为 SERVING
	Interval  time.Duration // 状态刷新间隔（默认 5s）
	Logger    logging.Logger
}

// NewGRPCServer 创建 gRPC 服务器
func NewGRPCServer(config *GRPCConfig) GRPCServer {
	if config == nil {
		config = &GRPCConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	return &grpcServer{
		health:    health.NewServer(),
		tlsConfig: config.TLSConfig,
		probe:     config.Health,
		interval:  config.Interval,
		logger:    config.Logger,
		stopChan:  make(chan struct{}),
	}
}

// RegisterService 注册额外的 gRPC 服务（启动前调用）
func (s *grpcServer) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, serviceDesc{desc: desc, impl: impl})
}

// Start 监听 addr 并阻塞
func (s *grpcServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve 在给定监听器上提供服务
func (s *grpcServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	opts := []grpc.ServerOption{}
	if s.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsConfig)))
	}
	s.server = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.server, s.health)
	for _, svc := range s.services {
		s.server.RegisterService(svc.desc, svc.impl)
	}
	s.listener = lis
	srv := s.server
	s.mu.Unlock()

	s.refresh()
	go s.watch()

	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// watch 周期性同步 ClientHealth 到健康服务
func (s *grpcServer) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *grpcServer) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil && !s.probe.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(TunnelHealthService, status)
}

// Stop 优雅停止，可重复调用
func (s *grpcServer) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.health.Shutdown()

		s.mu.RLock()
		srv := s.server
		s.mu.RUnlock()
		if srv != nil {
			srv.GracefulStop()
		}
	})
	return nil
}

// GetGRPCServer 获取底层 gRPC 服务器，未启动时为 nil
func (s *grpcServer) GetGRPCServer() *grpc.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}
