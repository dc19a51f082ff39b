package transport

import (
	"context"
	"net"
	"net/http"

	"google.golang.org/grpc"
)

// Dialer 建立到 broker 的隧道流（已完成握手行）
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// HTTPServer 管理面 HTTP 服务器
type HTTPServer interface {
	// Start 监听 addr 并阻塞，正常关闭返回 nil
	Start(addr string) error
	// Stop 优雅关闭
	Stop() error
	// Handler 返回路由，便于测试直接调用
	Handler() http.Handler
}

// GRPCServer 管理面 gRPC 服务器（可选）
type GRPCServer interface {
	Start(addr string) error
	Stop() error
	// RegisterService 注册额外的 gRPC 服务
	RegisterService(desc *grpc.ServiceDesc, impl interface{})
}

// noopLogger 空日志实现
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (n *noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Error(msg string, keysAndValues ...interface{}) {}
