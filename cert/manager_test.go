package cert

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/sdc-agent/cert/certtest"
)

// handshake 在内存管道上完成一次 TLS 握手
func handshake(t *testing.T, server *tls.Config, client *tls.Config) error {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	srv := tls.Server(a, server)
	errc := make(chan error, 1)
	go func() { errc <- srv.Handshake() }()

	cli := tls.Client(b, client)
	_ = cli.SetDeadline(time.Now().Add(5 * time.Second))
	err := cli.Handshake()
	if err != nil {
		a.Close()
	}
	<-errc
	return err
}

func TestManager_ClientTLSConfig_Handshake(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewCA(t)
	broker := ca.Issue(t, 2, certtest.LeafOptions{DNSNames: []string{"broker.test"}})
	client := ca.Issue(t, 3, certtest.LeafOptions{Client: true})
	certFile, keyFile := client.WriteFiles(t, dir, "agent")

	mgr, err := NewManager(&Config{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     ca.WriteFile(t, dir),
		MinVersion: "TLS1.3",
	})
	require.NoError(t, err)
	assert.True(t, mgr.HasClientCertificate())

	serverConf := &tls.Config{
		Certificates: []tls.Certificate{broker.TLSCertificate(t)},
		ClientCAs:    ca.Pool(),
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	clientConf := mgr.ClientTLSConfig("broker.test")
	assert.Equal(t, uint16(tls.VersionTLS13), clientConf.MinVersion)
	require.NoError(t, handshake(t, serverConf, clientConf))

	// 主机名不匹配
	err = handshake(t, serverConf, mgr.ClientTLSConfig("other.test"))
	require.Error(t, err)
}

func TestManager_WithoutClientCertificate(t *testing.T) {
	ca := certtest.NewCA(t)
	mgr, err := NewManager(&Config{CAFile: ca.WriteFile(t, t.TempDir())})
	require.NoError(t, err)

	assert.False(t, mgr.HasClientCertificate())
	assert.Empty(t, mgr.GetFingerprint())
	assert.Equal(t, -1, mgr.DaysUntilExpiry())
	assert.NoError(t, mgr.ValidateExpiry())
	_, err = mgr.GetCertInfo()
	assert.Error(t, err)

	conf := mgr.ClientTLSConfig("broker.test")
	assert.Empty(t, conf.Certificates)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
}

func TestManager_CertInfo(t *testing.T) {
	dir := t.TempDir()
	ca := certtest.NewCA(t)
	leaf := ca.Issue(t, 5, certtest.LeafOptions{Client: true, NotAfter: time.Now().Add(72 * time.Hour)})
	certFile, keyFile := leaf.WriteFiles(t, dir, "agent")

	mgr, err := NewManager(&Config{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)

	fp := mgr.GetFingerprint()
	assert.True(t, strings.HasPrefix(fp, "sha256:"))
	assert.Len(t, fp, 71)

	info, err := mgr.GetCertInfo()
	require.NoError(t, err)
	assert.Equal(t, fp, info.Fingerprint)
	assert.Equal(t, StatusActive, info.Status)
	assert.Contains(t, info.Issuer, "sdc test ca")
	assert.InDelta(t, 2, mgr.DaysUntilExpiry(), 1)
}

func TestNewManager_InvalidPaths(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config *Config
	}{
		{"缺少CertFile", &Config{KeyFile: "key.pem"}},
		{"缺少KeyFile", &Config{CertFile: "cert.pem"}},
		{"证书文件不存在", &Config{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}},
		{"CA文件不存在", &Config{CAFile: filepath.Join(dir, "missing.pem")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config)
			assert.Error(t, err)
		})
	}
}
