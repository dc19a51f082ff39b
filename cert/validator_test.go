package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/houzhh15/sdc-agent/cert/certtest"
)

// ocspResponder 对任意请求返回给定状态
func ocspResponder(t *testing.T, ca *certtest.CA, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tmpl := ocsp.Response{
			Status:       status,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   time.Now().Add(-time.Minute),
			NextUpdate:   time.Now().Add(time.Hour),
		}
		if status == ocsp.Revoked {
			tmpl.RevokedAt = time.Now().Add(-time.Hour)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		resp, err := ocsp.CreateResponse(ca.Cert, ca.Cert, tmpl, ca.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	}))
}

func TestValidator_CheckRevocation(t *testing.T) {
	ca := certtest.NewCA(t)

	good := ocspResponder(t, ca, ocsp.Good)
	defer good.Close()
	revoked := ocspResponder(t, ca, ocsp.Revoked)
	defer revoked.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	v := NewValidator(&ValidatorConfig{CheckOCSP: true, Timeout: 5 * time.Second})

	leaf := ca.Issue(t, 10, certtest.LeafOptions{OCSPServer: []string{good.URL}})
	assert.NoError(t, v.CheckRevocation(leaf.Cert, ca.Cert))

	leaf = ca.Issue(t, 11, certtest.LeafOptions{OCSPServer: []string{revoked.URL}})
	err := v.CheckRevocation(leaf.Cert, ca.Cert)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRevoked))

	// 第一个地址不可用时尝试下一个
	leaf = ca.Issue(t, 12, certtest.LeafOptions{OCSPServer: []string{broken.URL, good.URL}})
	assert.NoError(t, v.CheckRevocation(leaf.Cert, ca.Cert))

	leaf = ca.Issue(t, 13, certtest.LeafOptions{OCSPServer: []string{broken.URL}})
	assert.Error(t, v.CheckRevocation(leaf.Cert, ca.Cert))

	leaf = ca.Issue(t, 14, certtest.LeafOptions{})
	assert.Error(t, v.CheckRevocation(leaf.Cert, ca.Cert))
}

func TestValidator_VerifyConnection(t *testing.T) {
	ca := certtest.NewCA(t)
	revoked := ocspResponder(t, ca, ocsp.Revoked)
	defer revoked.Close()

	leaf := ca.Issue(t, 20, certtest.LeafOptions{OCSPServer: []string{revoked.URL}})
	state := tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{leaf.Cert},
		VerifiedChains:   [][]*x509.Certificate{{leaf.Cert, ca.Cert}},
	}

	// 未开启 OCSP 时只检查有效期
	assert.NoError(t, NewValidator(nil).VerifyConnection(state))

	v := NewValidator(&ValidatorConfig{CheckOCSP: true, Timeout: 5 * time.Second})
	assert.ErrorIs(t, v.VerifyConnection(state), ErrRevoked)

	// 自签名证书没有签发者可查
	self := tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{ca.Cert},
		VerifiedChains:   [][]*x509.Certificate{{ca.Cert}},
	}
	assert.NoError(t, v.VerifyConnection(self))

	assert.Error(t, v.VerifyConnection(tls.ConnectionState{}))

	// 已过期
	v.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	assert.Error(t, v.VerifyConnection(state))
}

func TestValidator_ValidateCert(t *testing.T) {
	ca := certtest.NewCA(t)
	other := certtest.NewCA(t)
	leaf := ca.Issue(t, 30, certtest.LeafOptions{DNSNames: []string{"broker.test"}})

	assert.NoError(t, NewValidator(&ValidatorConfig{CACertPool: ca.Pool()}).ValidateCert(leaf.Cert))
	assert.Error(t, NewValidator(&ValidatorConfig{CACertPool: other.Pool()}).ValidateCert(leaf.Cert))
	assert.Error(t, NewValidator(nil).ValidateCert(nil))
}
