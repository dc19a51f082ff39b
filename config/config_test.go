package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/houzhh15/sdc-agent/policy"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	return path
}

func TestLoader_Load_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := writeFile(t, tmpDir, "cert.pem", "cert")
	keyPath := writeFile(t, tmpDir, "key.pem", "key")

	configPath := writeFile(t, tmpDir, "agent.yaml", `agent:
  id: agent-001
  user: connector
  domain: example.com
  password: secret

broker:
  address: broker.example.com:4433
  timeout: 20s

tls:
  cert_file: `+certPath+`
  key_file: `+keyPath+`
  ocsp: true

rules:
  file: rules.yaml
  store: sqlite
  db_path: agent.db

tunnel:
  health_check_interval: 2s
  socks_server_port: 1081

logging:
  level: debug
  format: text
`)

	loader := NewLoader()
	config, err := loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Agent.ID != "agent-001" {
		t.Errorf("Expected agent.id=agent-001, got %s", config.Agent.ID)
	}
	if config.Agent.Email() != "connector@example.com" {
		t.Errorf("Expected email connector@example.com, got %s", config.Agent.Email())
	}
	if config.Broker.Timeout != 20*time.Second {
		t.Errorf("Expected broker.timeout=20s, got %v", config.Broker.Timeout)
	}
	if config.Broker.ServerName != "broker.example.com" {
		t.Errorf("Expected server_name derived from address, got %s", config.Broker.ServerName)
	}
	if !config.TLS.OCSP {
		t.Error("Expected tls.ocsp=true")
	}
	if config.Tunnel.HealthCheckInterval != 2*time.Second {
		t.Errorf("Expected health_check_interval=2s, got %v", config.Tunnel.HealthCheckInterval)
	}
	if config.Tunnel.HealthCheckTimeout != 15*time.Second {
		t.Errorf("Expected default health_check_timeout=15s, got %v", config.Tunnel.HealthCheckTimeout)
	}
	if config.Tunnel.SocksServerPort != 1081 {
		t.Errorf("Expected socks_server_port=1081, got %d", config.Tunnel.SocksServerPort)
	}
}

func TestLoader_Load_JSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeFile(t, tmpDir, "agent.json", `{
  "agent": {"id": "agent-002", "user": "u", "domain": "d.com"},
  "broker": {"transport": "websocket", "url": "wss://broker.example.com/tunnel"}
}`)

	config, err := NewLoader().Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.Broker.Transport != "websocket" {
		t.Errorf("Expected websocket transport, got %s", config.Broker.Transport)
	}
}

func validConfig() *Config {
	return &Config{
		Agent:  AgentConfig{ID: "a", User: "u", Domain: "d"},
		Broker: BrokerConfig{Address: "broker:443"},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{"valid", func(c *Config) {}, false, ""},
		{"missing agent id", func(c *Config) { c.Agent.ID = "" }, true, "agent.id is required"},
		{"white space agent id", func(c *Config) { c.Agent.ID = "a b" }, true, "white space"},
		{"missing user", func(c *Config) { c.Agent.User = "" }, true, "agent.user"},
		{"missing broker address", func(c *Config) { c.Broker.Address = "" }, true, "broker.address is required"},
		{"bad broker address", func(c *Config) { c.Broker.Address = "broker" }, true, "invalid broker.address"},
		{"bad websocket url", func(c *Config) {
			c.Broker.Transport = "websocket"
			c.Broker.URL = "http://broker"
		}, true, "ws://"},
		{"unknown transport", func(c *Config) { c.Broker.Transport = "quic" }, true, "invalid broker transport"},
		{"missing cert file", func(c *Config) { c.TLS.CertFile = "/nonexistent/cert.pem" }, true, "cert_file not found"},
		{"bad min version", func(c *Config) { c.TLS.MinVersion = "SSL3" }, true, "min_version"},
		{"sqlite without path", func(c *Config) { c.Rules.Store = "sqlite" }, true, "rules.db_path"},
		{"bad store", func(c *Config) { c.Rules.Store = "redis" }, true, "invalid rules store"},
		{"socks port out of range", func(c *Config) { c.Tunnel.SocksServerPort = 70000 }, true, "out of range"},
		{"read buffer over frame size", func(c *Config) { c.Tunnel.ReadBufferSize = 2 << 20 }, true, "tunnel.read_buffer_size"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, true, "invalid logging level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true, "invalid logging format"},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := loader.Validate(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error containing '%s', got '%s'", tt.errMsg, err.Error())
			}
		})
	}
}

func TestLoader_SetDefaults(t *testing.T) {
	config := validConfig()
	NewLoader().setDefaults(config)

	if config.Broker.Transport != "tls" {
		t.Errorf("Expected default transport tls, got %s", config.Broker.Transport)
	}
	if config.Tunnel.SendQueueSize != 10000 {
		t.Errorf("Expected default send queue 10000, got %d", config.Tunnel.SendQueueSize)
	}
	if config.Tunnel.HealthCheckInterval != 5*time.Second {
		t.Errorf("Expected default health interval 5s, got %v", config.Tunnel.HealthCheckInterval)
	}
	if config.Rules.Store != "memory" {
		t.Errorf("Expected default store memory, got %s", config.Rules.Store)
	}
	if config.Logging.Format != "json" {
		t.Errorf("Expected default logging format json, got %s", config.Logging.Format)
	}
	if config.Admin.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Expected default http_addr 127.0.0.1:8080, got %s", config.Admin.HTTPAddr)
	}
}

func TestLoader_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agent.toml", "x = 1")
	_, err := NewLoader().Load(path)
	if err == nil {
		t.Fatal("Expected error for unsupported format")
	}
	if !strings.Contains(err.Error(), "unsupported config format") {
		t.Errorf("Expected 'unsupported config format' error, got: %v", err)
	}
}

func TestLoader_FileNotFound(t *testing.T) {
	_, err := NewLoader().Load("/nonexistent/agent.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

const rulesYAML = `rules:
  - rule_num: 2
    agent_id: all
    viewer_email: [alice@example.com]
    url: http://wiki.corp:8080/
    url_match: HOSTPORT
  - rule_num: 1
    agent_id: agent-001
    viewer_email: [bob@example.com]
    apps:
      - service: gadgets
        app_id: "123"
    url: socket://db.corp:5432
`

func TestLoadRules(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.yaml", rulesYAML)

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules))
	}
	if rules[0].URLMatch != policy.MatchHostPort {
		t.Errorf("Expected HOSTPORT, got %s", rules[0].URLMatch)
	}
	if len(rules[1].Apps) != 1 || rules[1].Apps[0].AppID != "123" {
		t.Errorf("Expected app tag to parse, got %+v", rules[1].Apps)
	}
}

func TestLoadRules_Invalid(t *testing.T) {
	dir := t.TempDir()

	dup := writeFile(t, dir, "dup.yaml", `rules:
  - {rule_num: 1, agent_id: a, viewer_email: [x@y], url: "http://h/"}
  - {rule_num: 1, agent_id: a, viewer_email: [x@y], url: "http://g/"}
`)
	if _, err := LoadRules(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate rule error, got %v", err)
	}

	bad := writeFile(t, dir, "bad.json", `{"rules": [{"rule_num": 1, "agent_id": "a", "viewer_email": ["x@y"], "url": "ftp://h/"}]}`)
	if _, err := LoadRules(bad); err == nil {
		t.Error("Expected unsupported scheme error")
	}
}

func TestWatcher_FiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "rules.yaml", rulesYAML)
	other := filepath.Join(dir, "other.yaml")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)

	var fired atomic.Int32
	go w.Run(func() { fired.Add(1) })
	defer w.Stop()

	// 其他文件的变更不触发
	if err := os.WriteFile(other, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("Expected no callback for unrelated file, got %d", fired.Load())
	}

	// 连续写入合并为一次
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte(rulesYAML), 0644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("Expected callback after write")
	}
}

func TestWatcher_Stop(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.yaml", rulesYAML)
	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	go w.Run(func() {})

	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
