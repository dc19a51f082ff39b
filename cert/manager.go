// Package cert loads the agent's TLS material and verifies the broker's
// certificate, optionally including an OCSP revocation check.
package cert

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

// Config 证书管理器配置
type Config struct {
	CertFile   string // 客户端证书，可选
	KeyFile    string // 客户端私钥，可选
	CAFile     string // 信任的 CA，为空时使用系统根证书
	MinVersion string // TLS1.2, TLS1.3
	CheckOCSP  bool   // 握手后检查 broker 证书吊销状态
}

// Manager 证书管理器
type Manager struct {
	cert       *tls.Certificate
	x509Cert   *x509.Certificate
	caCertPool *x509.CertPool
	minVersion uint16
	validator  *Validator
}

// NewManager 创建证书管理器
func NewManager(config *Config) (*Manager, error) {
	if (config.CertFile == "") != (config.KeyFile == "") {
		return nil, fmt.Errorf("cert_file and key_file must be set together")
	}

	m := &Manager{minVersion: tls.VersionTLS12}
	if config.MinVersion == "TLS1.3" {
		m.minVersion = tls.VersionTLS13
	}

	// 加载证书和私钥
	if config.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		m.cert = &cert
		m.x509Cert = x509Cert
	}

	// 加载CA证书池
	if config.CAFile != "" {
		pool, err := LoadCAPool(config.CAFile)
		if err != nil {
			return nil, err
		}
		m.caCertPool = pool
	}

	m.validator = NewValidator(&ValidatorConfig{
		CACertPool: m.caCertPool,
		CheckOCSP:  config.CheckOCSP,
		Timeout:    10 * time.Second,
	})

	return m, nil
}

// LoadCAPool 读取 PEM 格式的 CA 文件
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no CA certificates found in %s", path)
	}
	return pool, nil
}

// ClientTLSConfig 连接 broker 使用的 TLS 配置
// 标准链校验与主机名校验之后，再由 Validator 检查有效期与吊销状态
func (m *Manager) ClientTLSConfig(serverName string) *tls.Config {
	config := &tls.Config{
		ServerName: serverName,
		RootCAs:    m.caCertPool,
		MinVersion: m.minVersion,
		VerifyConnection: func(cs tls.ConnectionState) error {
			return m.validator.VerifyConnection(cs)
		},
	}
	if m.cert != nil {
		config.Certificates = []tls.Certificate{*m.cert}
	}
	return config
}

// HasClientCertificate 是否配置了客户端证书
func (m *Manager) HasClientCertificate() bool {
	return m.x509Cert != nil
}

// GetFingerprint 获取客户端证书指纹（SHA256）
func (m *Manager) GetFingerprint() string {
	if m.x509Cert == nil {
		return ""
	}
	hash := sha256.Sum256(m.x509Cert.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// ValidateExpiry 验证客户端证书有效期
func (m *Manager) ValidateExpiry() error {
	if m.x509Cert == nil {
		return nil
	}
	return checkValidity(m.x509Cert, time.Now())
}

// DaysUntilExpiry 获取证书到期天数，未配置证书时返回 -1
func (m *Manager) DaysUntilExpiry() int {
	if m.x509Cert == nil {
		return -1
	}
	return int(time.Until(m.x509Cert.NotAfter).Hours() / 24)
}

// GetCertInfo 获取客户端证书信息
func (m *Manager) GetCertInfo() (*CertInfo, error) {
	if m.x509Cert == nil {
		return nil, errors.New("no client certificate configured")
	}
	return newCertInfo(m.x509Cert), nil
}

func newCertInfo(c *x509.Certificate) *CertInfo {
	hash := sha256.Sum256(c.Raw)
	status := StatusActive
	if checkValidity(c, time.Now()) != nil {
		status = StatusExpired
	}
	return &CertInfo{
		Fingerprint: "sha256:" + hex.EncodeToString(hash[:]),
		Subject:     c.Subject.String(),
		Issuer:      c.Issuer.String(),
		NotBefore:   c.NotBefore,
		NotAfter:    c.NotAfter,
		Status:      status,
	}
}

func checkValidity(c *x509.Certificate, now time.Time) error {
	if now.Before(c.NotBefore) {
		return fmt.Errorf("certificate not yet valid (valid from %s)", c.NotBefore)
	}
	if now.After(c.NotAfter) {
		return fmt.Errorf("certificate expired (expired at %s)", c.NotAfter)
	}
	return nil
}
