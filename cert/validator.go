package cert

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"
)

// ErrRevoked 证书已被吊销
var ErrRevoked = errors.New("certificate has been revoked")

// Validator 证书验证器
type Validator struct {
	caCertPool *x509.CertPool
	checkOCSP  bool
	httpClient *http.Client
	now        func() time.Time
}

// ValidatorConfig 验证器配置
type ValidatorConfig struct {
	CACertPool *x509.CertPool // CA证书池
	CheckOCSP  bool           // 是否检查OCSP
	Timeout    time.Duration  // HTTP超时时间
	HTTPClient *http.Client   // 为空时按 Timeout 创建
}

// NewValidator 创建证书验证器
func NewValidator(config *ValidatorConfig) *Validator {
	if config == nil {
		config = &ValidatorConfig{Timeout: 10 * time.Second}
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Validator{
		caCertPool: config.CACertPool,
		checkOCSP:  config.CheckOCSP,
		httpClient: client,
		now:        time.Now,
	}
}

// VerifyConnection 作为 tls.Config.VerifyConnection 使用
// 此时标准链校验已完成，VerifiedChains[0] 为 leaf 到根的链
func (v *Validator) VerifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("broker presented no certificate")
	}
	leaf := cs.PeerCertificates[0]
	if err := checkValidity(leaf, v.now()); err != nil {
		return err
	}
	if !v.checkOCSP {
		return nil
	}

	var issuer *x509.Certificate
	if len(cs.VerifiedChains) > 0 && len(cs.VerifiedChains[0]) > 1 {
		issuer = cs.VerifiedChains[0][1]
	} else if len(cs.PeerCertificates) > 1 {
		issuer = cs.PeerCertificates[1]
	}
	if issuer == nil {
		// 自签名证书没有可查询的签发者
		return nil
	}
	return v.CheckRevocation(leaf, issuer)
}

// ValidateCert 验证证书有效期与证书链
func (v *Validator) ValidateCert(cert *x509.Certificate) error {
	if cert == nil {
		return errors.New("certificate is nil")
	}

	now := v.now()
	if err := checkValidity(cert, now); err != nil {
		return err
	}

	if v.caCertPool != nil {
		opts := x509.VerifyOptions{
			Roots:       v.caCertPool,
			CurrentTime: now,
		}
		if _, err := cert.Verify(opts); err != nil {
			return fmt.Errorf("certificate verification failed: %w", err)
		}
	}

	return nil
}

// CheckRevocation 通过 OCSP 检查证书吊销状态
// 依次尝试证书中的每个 OCSP 地址，直到拿到可信的应答
func (v *Validator) CheckRevocation(cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return errors.New("certificate and issuer are required")
	}
	if len(cert.OCSPServer) == 0 {
		return errors.New("certificate does not contain OCSP server URLs")
	}

	request, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return fmt.Errorf("create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		raw, err := v.sendOCSPRequest(server, request)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("parse OCSP response from %s: %w", server, err)
			continue
		}

		switch resp.Status {
		case ocsp.Good:
			return nil
		case ocsp.Revoked:
			return fmt.Errorf("%w (reason: %d, at %s)", ErrRevoked, resp.RevocationReason, resp.RevokedAt)
		default:
			return errors.New("certificate status unknown")
		}
	}

	return fmt.Errorf("OCSP check failed on all servers: %w", lastErr)
}

// sendOCSPRequest 发送OCSP请求
func (v *Validator) sendOCSPRequest(server string, request []byte) ([]byte, error) {
	httpResp, err := v.httpClient.Post(server, "application/ocsp-request", bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("send OCSP request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OCSP server returned status: %d", httpResp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
}
