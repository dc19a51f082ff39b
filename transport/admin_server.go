package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houzhh15/sdc-agent/logging"
)

// StatusFunc 返回 /status 的内容
type StatusFunc func() interface{}

// EventStream /events 的 SSE 事件源，通常是 tunnel.Notifier
type EventStream interface {
	Subscribe(ctx context.Context, clientID string, w http.ResponseWriter) error
}

// AdminServer 本地管理面：/healthz、/metrics、/status、/audit、/events
type AdminServer struct {
	router *gin.Engine
	health *ClientHealth
	status StatusFunc
	audit  logging.AuditLogger
	events EventStream
	logger logging.Logger

	mu     sync.RWMutex
	server *http.Server
}

// AdminConfig 管理面配置
type AdminConfig struct {
	Health *ClientHealth       // 为空时 /healthz 恒为 OK
	Status StatusFunc          // 可选
	Audit  logging.AuditLogger // 可选，为空时不注册 /audit
	Events EventStream         // 可选，为空时不注册 /events
	Logger logging.Logger
}

var _ HTTPServer = (*AdminServer)(nil)

// NewAdminServer 创建管理面服务器
func NewAdminServer(config *AdminConfig) *AdminServer {
	if config == nil {
		config = &AdminConfig{}
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &AdminServer{
		router: router,
		health: config.Health,
		status: config.Status,
		audit:  config.Audit,
		events: config.Events,
		logger: config.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.status != nil {
		s.router.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.status())
		})
	}
	if s.audit != nil {
		s.router.GET("/audit", s.handleAudit)
	}
	if s.events != nil {
		s.router.GET("/events", s.handleEvents)
	}
}

// handleHealth 返回纯文本 OK / NOT OK，不可缓存
func (s *AdminServer) handleHealth(c *gin.Context) {
	c.Header("Server", "SDC_agent")
	c.Header("Cache-Control", "no-cache")
	c.Header("Pragma", "no-cache")

	status := HealthOK
	if s.health != nil {
		status = s.health.Status()
	}
	code := http.StatusOK
	if status != HealthOK {
		code = http.StatusServiceUnavailable
	}
	c.String(code, status)
}

func (s *AdminServer) handleAudit(c *gin.Context) {
	filter := &logging.AuditFilter{
		Kind:      c.Query("kind"),
		SessionID: c.Query("session_id"),
		Action:    c.Query("action"),
		Limit:     100,
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		filter.Offset = n
	}

	logs, err := s.audit.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// handleEvents 推送会话事件直到客户端断开
func (s *AdminServer) handleEvents(c *gin.Context) {
	// 事件流不受服务器写超时限制
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("Cannot clear write deadline for event stream", "error", err)
	}
	clientID := c.Query("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if err := s.events.Subscribe(c.Request.Context(), clientID, c.Writer); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

// Handler 返回路由
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start 监听 addr 并阻塞，Stop 后返回 nil
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve 在给定监听器上提供服务
func (s *AdminServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("Admin server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Stop 优雅关闭（5 秒超时）
func (s *AdminServer) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
