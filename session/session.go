// Package session runs one tunnel session against the broker and the
// supervisor that reconnects it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/houzhh15/sdc-agent/auth"
	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/policy"
	"github.com/houzhh15/sdc-agent/protocol"
	"github.com/houzhh15/sdc-agent/service"
	"github.com/houzhh15/sdc-agent/shutdown"
	"github.com/houzhh15/sdc-agent/transport"
	"github.com/houzhh15/sdc-agent/tunnel"
)

// State 会话阶段
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateRegistering
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateRegistering:
		return "registering"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted Run 只能调用一次
var ErrAlreadyStarted = errors.New("session already started")

// DefaultHandshakeTimeout 授权与注册应答的默认等待时限
const DefaultHandshakeTimeout = 30 * time.Second

// Session 一次隧道会话
// 拨号、授权、注册之后运行分发器、心跳、复用器和发送器，直到第一个致命错误；
// 会话本身从不重连
type Session struct {
	id          string
	config      *Config
	logger      logging.Logger
	coordinator *shutdown.Coordinator

	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool

	mu         sync.RWMutex
	conn       net.Conn
	sender     *tunnel.Sender
	receiver   *tunnel.Receiver
	mux        *tunnel.Mux
	health     *tunnel.HealthMonitor
	socks      *transport.SocksServer
	fetch      *service.FetchHandler
	serverConf *protocol.ServerSuppliedConf

	established  chan struct{}
	teardownOnce sync.Once
	startedAt    time.Time
}

// Config 会话配置
type Config struct {
	Dialer   transport.Dialer
	AgentID  string
	User     string
	Domain   string
	Password string

	// SocksServerPort 注册时上报；SocksListenAddr 非空时同时在该地址监听
	SocksServerPort int
	SocksListenAddr string
	HealthCheckPort int

	// HandshakeTimeout 等待授权与注册应答的时限，默认 30s
	HandshakeTimeout time.Duration

	Rules  []*policy.ResourceRule
	Tunnel *tunnel.Config

	Keys    *auth.KeyAuthority
	Engine  *policy.Engine
	Audit   logging.AuditLogger   // 可选
	Events  tunnel.EventPublisher // 可选，接收阶段变化与连接关闭事件
	Counter *atomic.Int64         // 跨会话共享的字节计数器，可选
	Logger  logging.Logger
}

// New 创建会话
func New(config *Config) (*Session, error) {
	if config == nil || config.Dialer == nil {
		return nil, errors.New("session requires a broker dialer")
	}
	if config.Keys == nil || config.Engine == nil {
		return nil, errors.New("session requires a key authority and a policy engine")
	}
	if config.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	// 复制配置，服务端下发的参数不回写调用方
	cfg := *config
	if cfg.Tunnel == nil {
		cfg.Tunnel = tunnel.DefaultConfig()
	}
	tc := *cfg.Tunnel
	cfg.Tunnel = &tc
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Counter == nil {
		cfg.Counter = &atomic.Int64{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop{}
	}

	id := uuid.NewString()
	logger := cfg.Logger
	if l, ok := logger.(*logging.DefaultLogger); ok {
		logger = l.With("session_id", id)
	}

	return &Session{
		id:          id,
		config:      &cfg,
		logger:      logger,
		coordinator: shutdown.NewCoordinator(logger),
		established: make(chan struct{}),
	}, nil
}

// ID 会话 ID
func (s *Session) ID() string {
	return s.id
}

// State 当前阶段
func (s *Session) State() State {
	return State(s.state.Load())
}

// Established 会话完成授权和注册后关闭
func (s *Session) Established() <-chan struct{} {
	return s.established
}

// Run 建立并运行会话，阻塞到会话结束
// ctx 取消或 Stop 导致的结束返回 nil，其余返回第一个致命错误
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.startedAt = time.Now()
	defer s.teardown()

	s.logger.Info("Connecting to broker", "agent_id", s.config.AgentID)
	conn, err := s.config.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	stopWatch := context.AfterFunc(gctx, s.teardown)
	defer stopWatch()

	sender := tunnel.NewSender(conn, &tunnel.SenderConfig{
		QueueSize: s.config.Tunnel.SendQueueSize,
		Counter:   s.config.Counter,
		Logger:    s.logger,
	})
	receiver := tunnel.NewReceiver(conn, &tunnel.ReceiverConfig{
		Counter: s.config.Counter,
		Logger:  s.logger,
	})
	s.mu.Lock()
	s.sender, s.receiver = sender, receiver
	s.mu.Unlock()

	// 拆除顺序：先停止生产者，再关闭连接释放阻塞的读写
	s.coordinator.RegisterGroup("tunnel", "receiver", receiver)
	s.coordinator.RegisterGroup("tunnel", "sender", sender)
	s.coordinator.RegisterGroup("tunnel", "conn", shutdown.StopFunc(conn.Close))
	s.goRun(g, gctx, "sender", sender.Run)

	// 授权与注册阶段健康检查尚未运行，由读超时兜底
	if err := conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout)); err != nil {
		s.logger.Warn("Handshake deadline not set", "error", err)
	}
	if err := s.establish(gctx, sender, receiver); err != nil {
		s.teardown()
		g.Wait()
		if ctx.Err() != nil || s.stopped.Load() {
			return nil
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("broker handshake timed out after %s: %w", s.config.HandshakeTimeout, err)
		}
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Warn("Handshake deadline not cleared", "error", err)
	}

	if !s.setState(StateRunning) {
		// establish 期间已被拆除，补停之后登记的组件
		s.coordinator.ShutdownAll()
		g.Wait()
		return nil
	}
	close(s.established)
	s.logger.Info("Session established", "agent_id", s.config.AgentID,
		"health_interval", s.config.Tunnel.HealthCheckInterval.String(),
		"health_timeout", s.config.Tunnel.HealthCheckTimeout.String())

	s.goRun(g, gctx, "receiver", receiver.Run)
	s.goRun(g, gctx, "health", s.health.Run)
	s.goRun(g, gctx, "mux", s.mux.Run)
	if s.config.SocksListenAddr != "" {
		addr := s.config.SocksListenAddr
		s.goRun(g, gctx, "socks", func(context.Context) error {
			return s.socks.ListenAndServe(addr)
		})
	}

	err = g.Wait()
	s.mux.Wait()
	s.logger.Info("Session ended", "duration", time.Since(s.startedAt).String(), "error", err)
	if err != nil && ctx.Err() == nil && !s.stopped.Load() {
		return err
	}
	return nil
}

// establish 授权、注册，并装配会话期组件和帧处理函数
func (s *Session) establish(ctx context.Context, sender *tunnel.Sender, receiver *tunnel.Receiver) error {
	s.setState(StateAuthorizing)
	client := auth.NewClient(sender, receiver, &auth.Config{
		User:     s.config.User,
		Domain:   s.config.Domain,
		Password: s.config.Password,
		Logger:   s.logger,
	})
	if err := client.Authorize(); err != nil {
		if protocol.CodeOf(err) == protocol.ErrCodeUnauthorized {
			s.securityEvent(logging.EventAuthRejected, logging.SeverityHigh,
				"authorization rejected by broker", map[string]interface{}{"email": client.Email()})
		}
		return fmt.Errorf("authorize: %w", err)
	}

	s.setState(StateRegistering)
	registrar, err := service.NewRegistrar(sender, receiver, &service.RegistrarConfig{
		AgentID:         s.config.AgentID,
		SocksServerPort: s.config.SocksServerPort,
		HealthCheckPort: s.config.HealthCheckPort,
		SessionID:       s.id,
		Keys:            s.config.Keys,
		Engine:          s.config.Engine,
		Audit:           s.config.Audit,
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}
	resp, err := registrar.Register(ctx, s.config.Rules)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	// 服务端下发的心跳参数只作用于本会话
	tc := *s.config.Tunnel
	tc.ApplyServerConf(resp.ServerConf)

	socks, err := transport.NewSocksServer(&transport.SocksConfig{
		Keys:        s.config.Keys,
		Audit:       s.config.Audit,
		Logger:      s.logger,
		SessionID:   s.id,
		DialTimeout: tc.DialTimeout,
	})
	if err != nil {
		return err
	}
	mux := tunnel.NewMux(&tunnel.MuxConfig{
		Sender: sender,
		Dial:   socks.DialPipe,
		Config: &tc,
		Logger: s.logger,
	})
	mux.OnClose(s.connectionClosed)

	health := tunnel.NewHealthMonitor(&tunnel.HealthMonitorConfig{
		Sender:    sender,
		Interval:  tc.HealthCheckInterval,
		Timeout:   tc.HealthCheckTimeout,
		OnFailure: func() { s.healthFailed(tc.HealthCheckTimeout) },
		Logger:    s.logger,
	})

	fetch, err := service.NewFetchHandler(&service.FetchConfig{
		Engine: s.config.Engine,
		Sender: sender,
		Logger: s.logger,
	})
	if err != nil {
		return err
	}

	receiver.Handle(protocol.FrameTypeHealthCheck, health.Dispatch)
	receiver.Handle(protocol.FrameTypeSocketData, mux.Dispatch)
	receiver.Handle(protocol.FrameTypeFetchRequest, fetch.Dispatch)

	s.coordinator.RegisterGroup("services", "health", health)
	s.coordinator.RegisterGroup("services", "fetch", fetch)
	s.coordinator.RegisterGroup("services", "mux", mux)
	s.coordinator.RegisterGroup("services", "socks", socks)

	s.mu.Lock()
	s.mux, s.health, s.socks, s.fetch = mux, health, socks, fetch
	s.serverConf = resp.ServerConf
	s.mu.Unlock()
	*s.config.Tunnel = tc
	return nil
}

// goRun 在 errgroup 中运行 worker，任一 worker 退出即拆除整个会话
func (s *Session) goRun(g *errgroup.Group, ctx context.Context, name string, run func(context.Context) error) {
	g.Go(func() error {
		err := run(ctx)
		if err != nil {
			s.logger.Debug("Session worker exited", "worker", name, "error", err)
		}
		s.teardown()
		return err
	})
}

// teardown 只执行一次 ShutdownAll
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateClosed)
		s.coordinator.ShutdownAll()
	})
}

// Stop 拆除会话，可重复调用；Run 随后返回
func (s *Session) Stop() error {
	s.stopped.Store(true)
	s.teardown()
	return nil
}

// setState 进入 closed 后不再回退，返回是否切换成功
func (s *Session) setState(st State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			s.publish(tunnel.EventTypeSessionState, &tunnel.SessionStateData{SessionID: s.id, State: st.String()})
			return true
		}
	}
}

// ConnectionCount 当前逻辑连接数
func (s *Session) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mux == nil {
		return 0
	}
	return s.mux.Count()
}

// ServerConf 注册应答中下发的配置，注册前为 nil
func (s *Session) ServerConf() *protocol.ServerSuppliedConf {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverConf
}

// Status 会话概况，用于管理接口
func (s *Session) Status() map[string]interface{} {
	status := map[string]interface{}{
		"session_id":  s.id,
		"state":       s.State().String(),
		"connections": s.ConnectionCount(),
		"bytes":       s.config.Counter.Load(),
	}
	s.mu.RLock()
	if s.health != nil {
		status["health"] = s.health.State().String()
		status["last_health_response"] = s.health.LastReceived().Format(time.RFC3339)
	}
	if s.sender != nil {
		status["send_queue"] = s.sender.Pending()
	}
	if s.conn != nil {
		status["broker"] = s.conn.RemoteAddr().String()
	}
	s.mu.RUnlock()
	if !s.startedAt.IsZero() {
		status["started_at"] = s.startedAt.Format(time.RFC3339)
	}
	return status
}

func (s *Session) connectionClosed(ev *tunnel.ConnectionEvent) {
	if s.config.Events != nil {
		s.config.Events.Publish(tunnel.ConnectionClosedEvent(s.id, ev))
	}
	if s.config.Audit == nil {
		return
	}
	err := s.config.Audit.LogConnection(context.Background(), &logging.ConnectionEvent{
		SessionID:    s.id,
		ConnectionID: ev.ConnectionID,
		Action:       "close",
		Reason:       string(ev.Reason),
		Duration:     ev.Duration(),
		BytesIn:      ev.BytesIn,
		BytesOut:     ev.BytesOut,
	})
	if err != nil {
		s.logger.Error("Failed to write connection audit", "connection_id", ev.ConnectionID, "error", err)
	}
}

func (s *Session) healthFailed(timeout time.Duration) {
	s.publish(tunnel.EventTypeHealthFailed, &tunnel.HealthFailedData{SessionID: s.id, Timeout: timeout.String()})
	s.securityEvent(logging.EventHealthTimeout, logging.SeverityMedium,
		"broker stopped answering health checks", map[string]interface{}{"timeout": timeout.String()})
}

func (s *Session) securityEvent(t logging.SecurityEventType, sev logging.Severity, msg string, details map[string]interface{}) {
	if s.config.Audit == nil {
		return
	}
	err := s.config.Audit.LogSecurity(context.Background(), &logging.SecurityEvent{
		SessionID: s.id,
		EventType: t,
		Severity:  sev,
		Message:   msg,
		Details:   details,
	})
	if err != nil {
		s.logger.Error("Failed to write security audit", "event", string(t), "error", err)
	}
}

func (s *Session) publish(eventType string, data interface{}) {
	if s.config.Events == nil {
		return
	}
	event, err := tunnel.NewEvent(eventType, data)
	if err != nil {
		s.logger.Error("Failed to build event", "type", eventType, "error", err)
		return
	}
	s.config.Events.Publish(event)
}
