package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/houzhh15/sdc-agent/logging"
)

// 传输类型
const (
	TransportTLS       = "tls"
	TransportWebSocket = "websocket"
)

// ProtocolVersion 握手行中的协议版本
const ProtocolVersion = "v3.0"

// maxHandshakeLine 握手行最大长度
const maxHandshakeLine = 256

// BrokerDialer 按配置的传输方式连接 broker 并写出握手行
type BrokerDialer struct {
	config *DialerConfig
}

// DialerConfig broker 拨号配置
type DialerConfig struct {
	Transport string      // tls（默认）或 websocket
	Address   string      // tls: host:port
	URL       string      // websocket: wss://host/path
	TLSConfig *tls.Config // 通常来自 cert.Manager.ClientTLSConfig
	Timeout   time.Duration
	Version   string // 代理版本，写入握手行
	Logger    logging.Logger
}

// NewBrokerDialer 创建拨号器
func NewBrokerDialer(config *DialerConfig) (*BrokerDialer, error) {
	if config == nil {
		return nil, errors.New("dialer config is required")
	}
	if config.Transport == "" {
		config.Transport = TransportTLS
	}
	switch config.Transport {
	case TransportTLS:
		if config.Address == "" {
			return nil, errors.New("broker address is required for tls transport")
		}
		if config.TLSConfig == nil {
			return nil, errors.New("tls config is required for tls transport")
		}
	case TransportWebSocket:
		if config.URL == "" {
			return nil, errors.New("broker url is required for websocket transport")
		}
	default:
		return nil, fmt.Errorf("unsupported broker transport: %s", config.Transport)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	return &BrokerDialer{config: config}, nil
}

// Dial 建立连接并写出握手行
func (d *BrokerDialer) Dial(ctx context.Context) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch d.config.Transport {
	case TransportWebSocket:
		conn, err = d.dialWebSocket(ctx)
	default:
		conn, err = d.dialTLS(ctx)
	}
	if err != nil {
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(d.config.Timeout))
	if err := WriteHandshake(conn, d.config.Version); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Time{})

	d.config.Logger.Info("Connected to broker",
		"transport", d.config.Transport,
		"remote", conn.RemoteAddr().String())
	return conn, nil
}

func (d *BrokerDialer) dialTLS(ctx context.Context) (net.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.config.Timeout, KeepAlive: 30 * time.Second},
		Config:    d.config.TLSConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", d.config.Address)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", d.config.Address, err)
	}
	return conn, nil
}

func (d *BrokerDialer) dialWebSocket(ctx context.Context) (net.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: d.config.Timeout,
		TLSClientConfig:  d.config.TLSConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, d.config.URL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial broker %s: %w (status %d)", d.config.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial broker %s: %w", d.config.URL, err)
	}
	return NewWebSocketConn(ws), nil
}

// WriteHandshake 写出握手行 "v3.0 <version>\n"
func WriteHandshake(w io.Writer, version string) error {
	if strings.ContainsAny(version, " \r\n") {
		return fmt.Errorf("invalid agent version %q", version)
	}
	if _, err := io.WriteString(w, ProtocolVersion+" "+version+"\n"); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// ReadHandshake 读取握手行并返回代理版本（broker 侧及测试使用）
// 逐字节读取，不会越过换行读入后续帧
func ReadHandshake(r io.Reader) (string, error) {
	var line []byte
	b := make([]byte, 1)
	for len(line) < maxHandshakeLine {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read handshake: %w", err)
		}
		if b[0] == '\n' {
			proto, version, ok := strings.Cut(string(line), " ")
			if !ok || proto != ProtocolVersion || version == "" {
				return "", fmt.Errorf("unsupported handshake %q", string(line))
			}
			return version, nil
		}
		line = append(line, b[0])
	}
	return "", errors.New("handshake line too long")
}
