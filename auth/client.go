// Package auth implements the agent side of tunnel authorization and the
// resource key authority consulted by local proxy front-ends.
package auth

import (
	"fmt"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/protocol"
)

// FrameSender 帧发送接口
type FrameSender interface {
	SendFrame(f *protocol.Frame) error
}

// FrameReader 同步读取单个帧，用于分发开始前的请求/应答
type FrameReader interface {
	ReadOne() (*protocol.Frame, error)
}

// Client 在隧道上完成 AUTHORIZATION 交换
type Client struct {
	sender   FrameSender
	reader   FrameReader
	email    string
	password string
	logger   logging.Logger
}

// Config contains configuration for auth client
type Config struct {
	User     string // 用户名
	Domain   string // 域名，email 为 user@domain
	Password string
	Logger   logging.Logger
}

// NewClient creates a new authorization client
func NewClient(sender FrameSender, reader FrameReader, config *Config) *Client {
	if config.Logger == nil {
		config.Logger = noopLogger{}
	}
	return &Client{
		sender:   sender,
		reader:   reader,
		email:    config.User + "@" + config.Domain,
		password: config.Password,
		logger:   config.Logger,
	}
}

// Email 返回用于授权的账号
func (c *Client) Email() string {
	return c.email
}

// Authorize 发送授权请求并等待一个 AUTHORIZATION 应答
// 结果不是 OK 时返回 ErrCodeUnauthorized
func (c *Client) Authorize() error {
	f, err := protocol.NewFrame(protocol.FrameTypeAuthorization, &protocol.AuthorizationInfo{
		Email:    c.email,
		Password: c.password,
	})
	if err != nil {
		return err
	}
	if err := c.sender.SendFrame(f); err != nil {
		return fmt.Errorf("send authorization: %w", err)
	}

	reply, err := c.reader.ReadOne()
	if err != nil {
		return fmt.Errorf("read authorization reply: %w", err)
	}
	if reply.Type != protocol.FrameTypeAuthorization {
		return protocol.NewError(protocol.ErrCodeUnauthorized,
			fmt.Sprintf("expected AUTHORIZATION reply, got %s", reply.Type))
	}

	var info protocol.AuthorizationInfo
	if err := protocol.Unmarshal(reply.Payload, &info); err != nil {
		return err
	}
	if info.Result != protocol.AuthResultOK {
		c.logger.Error("Authorization rejected", "email", c.email, "result", int(info.Result))
		return protocol.NewError(protocol.ErrCodeUnauthorized, "authorization rejected").
			WithDetails("email", c.email).
			WithDetails("result", int(info.Result))
	}

	c.logger.Info("Authorized", "email", c.email)
	return nil
}

// Authorize 使用现成账号完成一次授权交换
func Authorize(sender FrameSender, reader FrameReader, email, password string) error {
	c := &Client{sender: sender, reader: reader, email: email, password: password, logger: noopLogger{}}
	return c.Authorize()
}
