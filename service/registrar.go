// Package service implements the agent's request/reply services that ride the
// tunnel: resource registration and proxied fetch requests.
package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/houzhh15/sdc-agent/auth"
	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/policy"
	"github.com/houzhh15/sdc-agent/protocol"
)

// Registrar 向 broker 注册本代理可访问的资源
//
// 注册时为每条规则生成密钥，并在发送注册请求之前写入 KeyAuthority，
// 保证 broker 一旦开始使用密钥，本地 SOCKS 前端就能识别。
type Registrar struct {
	sender  auth.FrameSender
	reader  auth.FrameReader
	keys    *auth.KeyAuthority
	engine  *policy.Engine
	audit   logging.AuditLogger
	logger  logging.Logger
	random  io.Reader
	agentID string

	socksServerPort int
	healthCheckPort int
	sessionID       string
}

// RegistrarConfig 注册配置
type RegistrarConfig struct {
	AgentID         string
	SocksServerPort int
	HealthCheckPort int
	SessionID       string
	Keys            *auth.KeyAuthority
	Engine          *policy.Engine
	Audit           logging.AuditLogger // 可选
	Logger          logging.Logger
}

// NewRegistrar creates a registrar bound to one tunnel session
func NewRegistrar(sender auth.FrameSender, reader auth.FrameReader, config *RegistrarConfig) (*Registrar, error) {
	if config == nil {
		return nil, errors.New("registrar config is required")
	}
	if config.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if config.Keys == nil || config.Engine == nil {
		return nil, errors.New("key authority and policy engine are required")
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	return &Registrar{
		sender:          sender,
		reader:          reader,
		keys:            config.Keys,
		engine:          config.Engine,
		audit:           config.Audit,
		logger:          config.Logger,
		random:          rand.Reader,
		agentID:         config.AgentID,
		socksServerPort: config.SocksServerPort,
		healthCheckPort: config.HealthCheckPort,
		sessionID:       config.SessionID,
	}, nil
}

// Register 完成一次注册交换
// 成功后规则载入策略引擎并记录注册；失败返回 ErrCodeRegistrationFailed
func (r *Registrar) Register(ctx context.Context, rules []*policy.ResourceRule) (*protocol.RegistrationResponse, error) {
	filtered := policy.FilterForAgent(rules, r.agentID)

	entries := make([]protocol.ResourceKey, 0, len(filtered))
	for _, rule := range filtered {
		if rule.SecretKey == 0 {
			key, err := r.newKey()
			if err != nil {
				return nil, err
			}
			rule.SecretKey = key
		}
		host, port, err := rule.HostPort()
		if err != nil {
			return nil, err
		}
		entries = append(entries, protocol.ResourceKey{IP: host, Port: port, Key: rule.SecretKey})
	}

	resources, err := json.Marshal(struct {
		Rules []*policy.ResourceRule `json:"rules"`
	}{Rules: filtered})
	if err != nil {
		return nil, fmt.Errorf("encode resources config: %w", err)
	}

	r.keys.StoreSecretKeys(entries)

	f, err := protocol.NewFrame(protocol.FrameTypeRegistration, &protocol.RegistrationRequest{
		AgentID:         r.agentID,
		SocksServerPort: r.socksServerPort,
		HealthCheckPort: r.healthCheckPort,
		ResourcesConfig: string(resources),
		ResourceKeys:    entries,
	})
	if err != nil {
		return nil, err
	}
	if err := r.sender.SendFrame(f); err != nil {
		return nil, fmt.Errorf("send registration: %w", err)
	}

	reply, err := r.reader.ReadOne()
	if err != nil {
		return nil, fmt.Errorf("read registration reply: %w", err)
	}
	if reply.Type != protocol.FrameTypeRegistration {
		return nil, protocol.NewError(protocol.ErrCodeRegistrationFailed,
			fmt.Sprintf("expected REGISTRATION reply, got %s", reply.Type))
	}

	var resp protocol.RegistrationResponse
	if err := protocol.Unmarshal(reply.Payload, &resp); err != nil {
		return nil, err
	}
	if resp.Result != protocol.RegistrationResultOK {
		r.logger.Error("Registration rejected", "agent_id", r.agentID, "status", resp.StatusMessage)
		r.securityEvent(ctx, resp.StatusMessage)
		return nil, protocol.NewError(protocol.ErrCodeRegistrationFailed, "registration rejected").
			WithDetails("agent_id", r.agentID).
			WithDetails("status", resp.StatusMessage)
	}

	if err := r.engine.LoadRules(ctx, filtered); err != nil {
		return nil, err
	}
	if err := r.engine.RecordRegistration(ctx, r.agentID, resp.StatusMessage); err != nil {
		// 记录失败不影响已生效的注册
		r.logger.Warn("Registration not persisted", "error", err)
	}

	r.logger.Info("Registered", "agent_id", r.agentID, "rules", len(filtered), "status", resp.StatusMessage)
	return &resp, nil
}

// newKey 生成非零的正 int64 密钥
func (r *Registrar) newKey() (int64, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(r.random, b[:]); err != nil {
			return 0, fmt.Errorf("generate resource key: %w", err)
		}
		if key := int64(binary.BigEndian.Uint64(b[:]) &^ (1 << 63)); key != 0 {
			return key, nil
		}
	}
}

func (r *Registrar) securityEvent(ctx context.Context, status string) {
	if r.audit == nil {
		return
	}
	err := r.audit.LogSecurity(ctx, &logging.SecurityEvent{
		SessionID: r.sessionID,
		EventType: logging.EventRegistrationRejected,
		Severity:  logging.SeverityHigh,
		Message:   "registration rejected by broker",
		Details:   map[string]interface{}{"agent_id": r.agentID, "status": status},
	})
	if err != nil {
		r.logger.Error("Failed to write security audit", "error", err)
	}
}

// noopLogger 空日志实现
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (n *noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (n *noopLogger) Error(msg string, keysAndValues ...interface{}) {}
