package tunnel

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/houzhh15/sdc-agent/protocol"
)

// 协议常量
const (
	// ReadChunkSize 输入桥每次从本地连接读取的字节数
	ReadChunkSize = 64 * 1024
)

var (
	// ErrSenderStopped 发送器已停止，帧不会再写出
	ErrSenderStopped = errors.New("frame sender stopped")
	// ErrHealthCheckTimeout 心跳响应超时
	ErrHealthCheckTimeout = protocol.NewError(protocol.ErrCodeHealthCheckTimeout, "health check response timed out")
	// ErrMuxStopped 连接复用器已停止
	ErrMuxStopped = errors.New("connection mux stopped")
)

// FrameSender 帧发送接口
// Sender 实现该接口；桥接、心跳、注册等组件只依赖它
type FrameSender interface {
	Send(t protocol.FrameType, payload []byte) error
	SendFrame(f *protocol.Frame) error
}

// HandlerFunc 帧处理函数，返回错误视为会话级致命错误
type HandlerFunc func(f *protocol.Frame) error

// Config 隧道配置
type Config struct {
	// 发送队列容量，队列满时生产者阻塞
	SendQueueSize int `json:"send_queue_size"`
	// 每个连接输出桥的入站队列容量
	InboundQueueSize int `json:"inbound_queue_size"`
	// 输入桥读取块大小，上限 protocol.MaxSegmentSize
	ReadBufferSize int `json:"read_buffer_size"`
	// 拨号本地 SOCKS 前端超时
	DialTimeout time.Duration `json:"dial_timeout"`

	// 心跳配置（可被服务端下发配置覆盖）
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		SendQueueSize:       10000,
		InboundQueueSize:    1024,
		ReadBufferSize:      ReadChunkSize,
		DialTimeout:         10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		HealthCheckTimeout:  15 * time.Second,
	}
}

// setDefaults 填充零值字段
func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.InboundQueueSize <= 0 {
		c.InboundQueueSize = d.InboundQueueSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	// 一次读取必须能放进单个 CONTINUE 帧
	if c.ReadBufferSize > protocol.MaxSegmentSize {
		c.ReadBufferSize = protocol.MaxSegmentSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
}

// ApplyServerConf 用服务端下发的心跳参数覆盖本地配置
func (c *Config) ApplyServerConf(conf *protocol.ServerSuppliedConf) {
	if conf == nil {
		return
	}
	if conf.HealthCheckInterval > 0 {
		c.HealthCheckInterval = time.Duration(conf.HealthCheckInterval) * time.Second
	}
	if conf.HealthCheckTimeout > 0 {
		c.HealthCheckTimeout = time.Duration(conf.HealthCheckTimeout) * time.Second
	}
}

// CloseReason 连接关闭原因
type CloseReason string

const (
	CloseLocalEOF    CloseReason = "local_eof"    // 本地读到 EOF
	CloseLocalError  CloseReason = "local_error"  // 本地读写错误
	CloseRemote      CloseReason = "remote_close" // 对端发送 CLOSE
	CloseDialFailed  CloseReason = "dial_failed"  // 无法连接本地 SOCKS 前端
	CloseMuxShutdown CloseReason = "shutdown"     // 会话拆除
)

// ConnectionEvent 连接关闭事件
// 通过 Mux 的关闭通道投递，由连接注册表统一处理
type ConnectionEvent struct {
	ConnectionID uint64
	Reason       CloseReason
	BytesIn      int64 // 本地 -> 隧道
	BytesOut     int64 // 隧道 -> 本地
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// Duration 连接存活时长
func (e *ConnectionEvent) Duration() time.Duration {
	return e.ClosedAt.Sub(e.OpenedAt)
}

// IsExpectedCloseError 判断是否为正常的连接终止：EOF、已关闭、EPIPE、ECONNRESET
// 这些错误在连接拆除时必然出现，不应按错误记录
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// noopLogger 默认空日志
type noopLogger struct{}

func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}
func (l *noopLogger) Debug(msg string, args ...interface{}) {}
