package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/policy"
)

// RulesFunc 每次建立会话前读取最新的资源规则
type RulesFunc func() ([]*policy.ResourceRule, error)

// Supervisor 会话重连循环
// 会话结束后按指数退避重建；会话进入 running 后重置退避
type Supervisor struct {
	template   Config
	rules      RulesFunc
	maxRetries int
	logger     logging.Logger
	backoff    *backoff.Backoff

	mu      sync.Mutex
	current *Session
	last    error

	restart  chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
}

// SupervisorConfig 重连配置
type SupervisorConfig struct {
	Session *Config
	Rules   RulesFunc
	// 退避区间，默认 1s 到 1m
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxRetries 连续失败次数上限，0 表示不限
	MaxRetries int
	Logger     logging.Logger
}

// NewSupervisor 创建重连循环
func NewSupervisor(config *SupervisorConfig) (*Supervisor, error) {
	if config == nil || config.Session == nil {
		return nil, errors.New("supervisor requires a session config")
	}
	if config.Rules == nil {
		rules := config.Session.Rules
		config.Rules = func() ([]*policy.ResourceRule, error) { return rules, nil }
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax <= 0 {
		config.ReconnectMax = time.Minute
	}
	if config.Logger == nil {
		config.Logger = logging.Nop{}
	}
	if config.Session.Logger == nil {
		config.Session.Logger = config.Logger
	}
	return &Supervisor{
		template:   *config.Session,
		rules:      config.Rules,
		maxRetries: config.MaxRetries,
		logger:     config.Logger,
		backoff:    &backoff.Backoff{Min: config.ReconnectMin, Max: config.ReconnectMax, Factor: 2},
		restart:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}, nil
}

// Run 循环建立会话，直到 ctx 取消、Stop 或超过重试上限
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if s.stopping(ctx) {
			return nil
		}

		running, err := s.runOnce(ctx)
		if s.stopping(ctx) {
			return nil
		}
		if running {
			s.backoff.Reset()
		}

		restarted := s.consumeRestart()
		if err == nil && restarted {
			s.logger.Info("Restarting session")
			continue
		}

		attempt := int(s.backoff.Attempt())
		if s.maxRetries > 0 && attempt >= s.maxRetries {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := s.backoff.Duration()
		s.logger.Warn("Session ended, reconnecting", "attempt", attempt+1, "retry_in", d.String(), "error", err)

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.stopChan:
			timer.Stop()
			return nil
		case <-s.restart:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runOnce 运行一次会话，返回该会话是否进入过 running
func (s *Supervisor) runOnce(ctx context.Context) (bool, error) {
	rules, err := s.rules()
	if err != nil {
		s.setLast(err)
		return false, fmt.Errorf("load rules: %w", err)
	}

	cfg := s.template
	cfg.Rules = rules
	sess, err := New(&cfg)
	if err != nil {
		s.setLast(err)
		return false, err
	}

	s.mu.Lock()
	select {
	case <-s.stopChan:
		s.mu.Unlock()
		return false, nil
	default:
	}
	s.current = sess
	s.mu.Unlock()

	err = sess.Run(ctx)
	running := false
	select {
	case <-sess.Established():
		running = true
	default:
	}
	s.setLast(err)
	return running, err
}

// Restart 结束当前会话并立即重建，用于规则变更后重新注册
func (s *Supervisor) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
	if sess := s.Current(); sess != nil {
		sess.Stop()
	}
}

func (s *Supervisor) consumeRestart() bool {
	select {
	case <-s.restart:
		return true
	default:
		return false
	}
}

// Current 当前会话，尚未建立时为 nil
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// LastError 最近一次会话结束的错误
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Supervisor) setLast(err error) {
	s.mu.Lock()
	s.last = err
	s.mu.Unlock()
}

// Status 当前会话概况，用于管理接口
func (s *Supervisor) Status() interface{} {
	status := map[string]interface{}{
		"reconnect_attempt": int(s.backoff.Attempt()),
	}
	if sess := s.Current(); sess != nil {
		status["session"] = sess.Status()
	}
	if err := s.LastError(); err != nil {
		status["last_error"] = err.Error()
	}
	return status
}

func (s *Supervisor) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

// Stop 停止循环并拆除当前会话，可重复调用
func (s *Supervisor) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stopChan)
		sess := s.current
		s.mu.Unlock()
		if sess != nil {
			sess.Stop()
		}
	})
	return nil
}
