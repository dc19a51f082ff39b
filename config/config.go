package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/houzhh15/sdc-agent/protocol"
)

// Config represents the complete agent configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent" json:"agent"`
	Broker  BrokerConfig  `yaml:"broker" json:"broker"`
	TLS     TLSConfig     `yaml:"tls" json:"tls"`
	Rules   RulesConfig   `yaml:"rules" json:"rules"`
	Tunnel  TunnelConfig  `yaml:"tunnel" json:"tunnel"`
	Admin   AdminConfig   `yaml:"admin" json:"admin"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// AgentConfig identifies this agent to the broker
type AgentConfig struct {
	ID       string `yaml:"id" json:"id"`
	User     string `yaml:"user" json:"user"`
	Domain   string `yaml:"domain" json:"domain"`
	Password string `yaml:"password" json:"password"`
	Version  string `yaml:"version" json:"version"`
}

// Email 授权账号
func (a AgentConfig) Email() string {
	return a.User + "@" + a.Domain
}

// BrokerConfig defines how the tunnel reaches the broker
type BrokerConfig struct {
	Address      string        `yaml:"address" json:"address"`     // host:port for tls
	URL          string        `yaml:"url" json:"url"`             // ws:// or wss:// for websocket
	Transport    string        `yaml:"transport" json:"transport"` // tls, websocket
	ServerName   string        `yaml:"server_name" json:"server_name"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	ReconnectMax time.Duration `yaml:"reconnect_max" json:"reconnect_max"`
}

// TLSConfig defines TLS certificate configuration
type TLSConfig struct {
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	CAFile     string `yaml:"ca_file" json:"ca_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // TLS1.2, TLS1.3
	OCSP       bool   `yaml:"ocsp" json:"ocsp"`               // 校验 broker 证书吊销状态
}

// RulesConfig defines where resource rules come from and where they persist
type RulesConfig struct {
	File   string `yaml:"file" json:"file"`
	Store  string `yaml:"store" json:"store"` // memory, sqlite
	DBPath string `yaml:"db_path" json:"db_path"`
	Watch  bool   `yaml:"watch" json:"watch"`
}

// TunnelConfig defines tunnel tuning
type TunnelConfig struct {
	SendQueueSize       int           `yaml:"send_queue_size" json:"send_queue_size"`
	InboundQueueSize    int           `yaml:"inbound_queue_size" json:"inbound_queue_size"`
	ReadBufferSize      int           `yaml:"read_buffer_size" json:"read_buffer_size"`
	DialTimeout         time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
	SocksServerPort     int           `yaml:"socks_server_port" json:"socks_server_port"`
}

// AdminConfig defines local admin endpoints
type AdminConfig struct {
	HTTPAddr   string `yaml:"http_addr" json:"http_addr"`
	GRPCAddr   string `yaml:"grpc_addr" json:"grpc_addr"`
	EnableGRPC bool   `yaml:"enable_grpc" json:"enable_grpc"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`           // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`         // json, text
	Output     string `yaml:"output" json:"output"`         // stdout, stderr, file path
	AuditFile  string `yaml:"audit_file" json:"audit_file"` // audit log file path
	AuditDB    string `yaml:"audit_db" json:"audit_db"`     // sqlite audit table path
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// Loader provides configuration loading functionality
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses configuration from file
func (l *Loader) Load(path string) (*Config, error) {
	var config Config
	if err := decodeFile(path, &config); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	// Set defaults
	l.setDefaults(&config)

	return &config, nil
}

// decodeFile 按扩展名选择 yaml 或 json
func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	return nil
}

// Validate checks configuration validity
func (l *Loader) Validate(config *Config) error {
	// Validate required fields
	if config.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if strings.ContainsAny(config.Agent.ID, " \t") {
		return fmt.Errorf("agent.id must not contain white space")
	}
	if config.Agent.User == "" || config.Agent.Domain == "" {
		return fmt.Errorf("agent.user and agent.domain are required")
	}

	// Validate broker
	switch config.Broker.Transport {
	case "tls", "":
		if config.Broker.Address == "" {
			return fmt.Errorf("broker.address is required for tls transport")
		}
		if _, _, err := net.SplitHostPort(config.Broker.Address); err != nil {
			return fmt.Errorf("invalid broker.address: %w", err)
		}
	case "websocket":
		if !strings.HasPrefix(config.Broker.URL, "ws://") && !strings.HasPrefix(config.Broker.URL, "wss://") {
			return fmt.Errorf("broker.url must be a ws:// or wss:// url for websocket transport")
		}
	default:
		return fmt.Errorf("invalid broker transport: %s (must be tls/websocket)", config.Broker.Transport)
	}

	// Validate TLS files exist
	for name, path := range map[string]string{
		"cert_file": config.TLS.CertFile,
		"key_file":  config.TLS.KeyFile,
		"ca_file":   config.TLS.CAFile,
	} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s not found: %s", name, path)
		}
	}
	if (config.TLS.CertFile == "") != (config.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	switch config.TLS.MinVersion {
	case "TLS1.2", "TLS1.3", "":
		// valid
	default:
		return fmt.Errorf("invalid tls min_version: %s", config.TLS.MinVersion)
	}

	// Validate rules store
	switch config.Rules.Store {
	case "memory", "":
		// valid
	case "sqlite":
		if config.Rules.DBPath == "" {
			return fmt.Errorf("rules.db_path is required when store=sqlite")
		}
	default:
		return fmt.Errorf("invalid rules store: %s", config.Rules.Store)
	}

	if config.Tunnel.SocksServerPort < 0 || config.Tunnel.SocksServerPort > 65535 {
		return fmt.Errorf("tunnel.socks_server_port out of range: %d", config.Tunnel.SocksServerPort)
	}
	if config.Tunnel.ReadBufferSize < 0 || config.Tunnel.ReadBufferSize > protocol.MaxSegmentSize {
		return fmt.Errorf("tunnel.read_buffer_size out of range: %d (max %d)", config.Tunnel.ReadBufferSize, protocol.MaxSegmentSize)
	}
	if config.Tunnel.HealthCheckInterval < 0 || config.Tunnel.HealthCheckTimeout < 0 {
		return fmt.Errorf("health check durations must not be negative")
	}

	// Validate logging level
	switch config.Logging.Level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	// Validate logging format
	switch config.Logging.Format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("invalid logging format: %s", config.Logging.Format)
	}

	return nil
}

// setDefaults sets default values for optional fields
func (l *Loader) setDefaults(config *Config) {
	// Agent defaults
	if config.Agent.Version == "" {
		config.Agent.Version = "1.0.0"
	}

	// Broker defaults
	if config.Broker.Transport == "" {
		config.Broker.Transport = "tls"
	}
	if config.Broker.ServerName == "" && config.Broker.Address != "" {
		config.Broker.ServerName, _, _ = net.SplitHostPort(config.Broker.Address)
	}
	if config.Broker.Timeout == 0 {
		config.Broker.Timeout = 30 * time.Second
	}
	if config.Broker.ReconnectMax == 0 {
		config.Broker.ReconnectMax = 2 * time.Minute
	}

	// TLS defaults
	if config.TLS.MinVersion == "" {
		config.TLS.MinVersion = "TLS1.2"
	}

	// Rules defaults
	if config.Rules.Store == "" {
		config.Rules.Store = "memory"
	}

	// Tunnel defaults
	if config.Tunnel.SendQueueSize == 0 {
		config.Tunnel.SendQueueSize = 10000
	}
	if config.Tunnel.InboundQueueSize == 0 {
		config.Tunnel.InboundQueueSize = 1024
	}
	if config.Tunnel.ReadBufferSize == 0 {
		config.Tunnel.ReadBufferSize = 64 * 1024
	}
	if config.Tunnel.DialTimeout == 0 {
		config.Tunnel.DialTimeout = 10 * time.Second
	}
	if config.Tunnel.HealthCheckInterval == 0 {
		config.Tunnel.HealthCheckInterval = 5 * time.Second
	}
	if config.Tunnel.HealthCheckTimeout == 0 {
		config.Tunnel.HealthCheckTimeout = 15 * time.Second
	}
	if config.Tunnel.SocksServerPort == 0 {
		config.Tunnel.SocksServerPort = 1080
	}

	// Admin defaults
	if config.Admin.HTTPAddr == "" {
		config.Admin.HTTPAddr = "127.0.0.1:8080"
	}
	if config.Admin.GRPCAddr == "" {
		config.Admin.GRPCAddr = "127.0.0.1:8081"
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Logging.Output == "" {
		config.Logging.Output = "stdout"
	}
	if config.Logging.MaxSizeMB == 0 {
		config.Logging.MaxSizeMB = 100
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = 5
	}
	if config.Logging.MaxAgeDays == 0 {
		config.Logging.MaxAgeDays = 28
	}
}

// Watch monitors configuration file for changes
// 仅在文件内容变更且重新加载成功后回调
func (l *Loader) Watch(path string, callback func(*Config)) (*Watcher, error) {
	w, err := NewWatcher(path, nil)
	if err != nil {
		return nil, err
	}
	go w.Run(func() {
		cfg, err := l.Load(path)
		if err != nil {
			w.logger.Error("Reload config failed", "path", path, "error", err)
			return
		}
		callback(cfg)
	})
	return w, nil
}
