package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/things-go/go-socks5"

	"github.com/houzhh15/sdc-agent/auth"
	"github.com/houzhh15/sdc-agent/logging"
)

// SocksUser SOCKS 用户名字段携带的 JSON 元数据
// 无法解析为 JSON 的用户名整体作为 Name
type SocksUser struct {
	Name     string `json:"name"`
	Resource string `json:"resource"`
	User     string `json:"user"`
	AppID    string `json:"appId"`
}

// ParseSocksUser 解析用户名元数据
func ParseSocksUser(username string) SocksUser {
	var u SocksUser
	if err := json.Unmarshal([]byte(username), &u); err != nil {
		return SocksUser{Name: username}
	}
	return u
}

// SocksServer 本地 SOCKS5 前端
//
// 客户端以 RFC1929 用户名/密码认证，密码为资源密钥的十进制形式。
// 每个 CONNECT 请求在拨号前按 (密钥, 目标主机, 目标端口) 检查授权，
// 被拒绝的请求不会产生出站连接，也不会进入隧道。
type SocksServer struct {
	server    *socks5.Server
	keys      *auth.KeyAuthority
	audit     logging.AuditLogger
	logger    logging.Logger
	sessionID string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SocksConfig SOCKS 前端配置
type SocksConfig struct {
	Keys        *auth.KeyAuthority
	Audit       logging.AuditLogger // 可选
	Logger      logging.Logger
	SessionID   string
	DialTimeout time.Duration // 出站拨号超时（默认 10s）
	// Dial 可选的出站拨号函数，为空时使用 net.Dialer
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSocksServer 创建 SOCKS 前端
func NewSocksServer(config *SocksConfig) (*SocksServer, error) {
	if config == nil || config.Keys == nil {
		return nil, fmt.Errorf("socks server requires a key authority")
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	dial := config.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: config.DialTimeout}
		dial = d.DialContext
	}

	s := &SocksServer{
		keys:      config.Keys,
		audit:     config.Audit,
		logger:    config.Logger,
		sessionID: config.SessionID,
		conns:     make(map[net.Conn]struct{}),
		stopChan:  make(chan struct{}),
	}
	s.server = socks5.NewServer(
		socks5.WithLogger(socksLogger{logger: config.Logger}),
		socks5.WithCredential(keyCredentials{s: s}),
		socks5.WithRule(keyRules{s: s}),
		socks5.WithDial(dial),
	)
	return s, nil
}

// ListenAndServe 在 addr（通常为 127.0.0.1:<socksServerPort>）上监听，阻塞直到 Stop
func (s *SocksServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve 在给定监听器上接受连接，阻塞直到 Stop
func (s *SocksServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SOCKS front-end listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("socks accept: %w", err)
		}
		s.serve(conn)
	}
}

// DialPipe 返回一端接入 SOCKS 前端的内存连接
// 用作 Mux 的 DialFunc：对端 START 打开的逻辑连接直接由本前端处理
func (s *SocksServer) DialPipe(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.isStopped() {
		return nil, fmt.Errorf("socks server stopped")
	}
	client, server := net.Pipe()
	s.serve(server)
	return client, nil
}

// Addr 监听地址，未监听时为 nil
func (s *SocksServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SocksServer) serve(conn net.Conn) {
	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		if err := s.server.ServeConn(conn); err != nil {
			s.logger.Debug("SOCKS connection ended", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}()
}

// ActiveConnections 正在处理的 SOCKS 连接数
func (s *SocksServer) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop 关闭监听器与全部连接并等待处理结束，可重复调用
func (s *SocksServer) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopChan)
		if s.listener != nil {
			s.listener.Close()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		s.logger.Info("SOCKS front-end stopped")
	})
	return nil
}

func (s *SocksServer) isStopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// admit 按密钥与目标检查一次 CONNECT，并写审计记录
func (s *SocksServer) admit(ctx context.Context, username, password string, host string, port int, source string) bool {
	meta := ParseSocksUser(username)
	dest := net.JoinHostPort(host, strconv.Itoa(port))

	result, reason := "allowed", ""
	key, err := auth.ParseKey(password)
	switch {
	case err != nil:
		result, reason = "denied", "malformed key"
	case !s.keys.CheckKeyIPPort(key, host, port):
		result, reason = "denied", "key not valid for destination"
	}

	if result == "allowed" {
		s.logger.Debug("SOCKS request admitted", "destination", dest, "resource", meta.Resource, "user", meta.User)
	} else {
		s.logger.Warn("SOCKS request rejected", "destination", dest, "resource", meta.Resource, "user", meta.User, "reason", reason)
	}

	if s.audit != nil {
		event := &logging.AdmissionEvent{
			SessionID:   s.sessionID,
			User:        meta.User,
			AppID:       meta.AppID,
			Resource:    meta.Resource,
			SourceAddr:  source,
			Destination: dest,
			Result:      result,
			Reason:      reason,
		}
		if err := s.audit.LogAdmission(ctx, event); err != nil {
			s.logger.Error("Failed to write admission audit", "error", err)
		}
		if result != "allowed" {
			security := &logging.SecurityEvent{
				SessionID: s.sessionID,
				EventType: logging.EventKeyRejected,
				Severity:  logging.SeverityMedium,
				Message:   "SOCKS request rejected: " + reason,
				Details:   map[string]interface{}{"destination": dest, "source": source},
			}
			if err := s.audit.LogSecurity(ctx, security); err != nil {
				s.logger.Error("Failed to write security audit", "error", err)
			}
		}
	}
	return result == "allowed"
}

// keyCredentials 认证阶段只确认密钥存在，目标检查在 keyRules 中完成
type keyCredentials struct {
	s *SocksServer
}

func (c keyCredentials) Valid(user, password, userAddr string) bool {
	key, err := auth.ParseKey(password)
	if err != nil || !c.s.keys.ContainsKey(key) {
		c.s.logger.Warn("SOCKS authentication failed", "source", userAddr, "user", ParseSocksUser(user).User)
		return false
	}
	return true
}

// keyRules 对每个请求执行 (密钥, host, port) 授权
type keyRules struct {
	s *SocksServer
}

func (r keyRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if req.AuthContext == nil {
		return ctx, false
	}
	username := req.AuthContext.Payload["username"]
	password := req.AuthContext.Payload["password"]

	host := req.DstAddr.FQDN
	if host == "" && req.DstAddr.IP != nil {
		host = req.DstAddr.IP.String()
	}
	source := ""
	if req.RemoteAddr != nil {
		source = req.RemoteAddr.String()
	}
	return ctx, r.s.admit(ctx, username, password, host, req.DstAddr.Port, source)
}

// socksLogger 将库内部错误转入结构化日志
type socksLogger struct {
	logger logging.Logger
}

func (l socksLogger) Errorf(format string, args ...interface{}) {
	l.logger.Debug("SOCKS server error", "error", fmt.Sprintf(format, args...))
}
