package policy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 资源 URL 前缀
const (
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSocket = "socket"
)

// AgentAll 对所有 agent 生效的规则
const AgentAll = "all"

// MatchKind URL 匹配方式
type MatchKind string

const (
	MatchHostPort MatchKind = "HOSTPORT" // 同一 scheme://host:port 下任意路径
	MatchURLExact MatchKind = "URLEXACT" // URL 完全相同
	MatchRegex    MatchKind = "REGEX"    // 正则匹配整个 URL（已废弃，仍兼容）
)

// AppTag 允许访问资源的应用
type AppTag struct {
	Service       string `json:"service" yaml:"service"`
	AppID         string `json:"app_id" yaml:"app_id"`
	AllowAnyAppID bool   `json:"allow_any_app_id" yaml:"allow_any_app_id"`
}

// ResourceRule 资源规则
type ResourceRule struct {
	RuleNum            int       `json:"rule_num" yaml:"rule_num"`
	AgentID            string    `json:"agent_id" yaml:"agent_id"`
	Name               string    `json:"name,omitempty" yaml:"name,omitempty"`
	ViewerEmail        []string  `json:"viewer_email" yaml:"viewer_email"`
	AllowDomainViewers bool      `json:"allow_domain_viewers" yaml:"allow_domain_viewers"`
	Apps               []*AppTag `json:"apps,omitempty" yaml:"apps,omitempty"`
	URL                string    `json:"url" yaml:"url"`
	URLMatch           MatchKind `json:"url_match" yaml:"url_match"`
	HTTPProxyPort      int       `json:"http_proxy_port,omitempty" yaml:"http_proxy_port,omitempty"`
	SocksServerPort    int       `json:"socks_server_port,omitempty" yaml:"socks_server_port,omitempty"`
	SecretKey          int64     `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
}

// Validate 校验配置期规则
func (r *ResourceRule) Validate() error {
	if r.RuleNum <= 0 {
		return fmt.Errorf("rule %q: rule_num must be greater than 0", r.URL)
	}
	if r.AgentID == "" {
		return fmt.Errorf("rule %d: agent_id is required", r.RuleNum)
	}
	if strings.ContainsAny(r.AgentID, " \t") {
		return fmt.Errorf("rule %d: agent_id %q must not contain white space", r.RuleNum, r.AgentID)
	}
	if len(r.ViewerEmail) == 0 {
		return fmt.Errorf("rule %d: at least one viewer_email is required", r.RuleNum)
	}
	for _, email := range r.ViewerEmail {
		if !strings.Contains(email, "@") || strings.ContainsAny(email, " \t") {
			return fmt.Errorf("rule %d: viewer_email %q is not a valid address", r.RuleNum, email)
		}
	}

	switch r.URLMatch {
	case "", MatchHostPort, MatchURLExact, MatchRegex:
	default:
		return fmt.Errorf("rule %d: unknown url_match %q", r.RuleNum, r.URLMatch)
	}

	_, _, err := r.HostPort()
	return err
}

// Scheme 返回规则 URL 的 scheme
func (r *ResourceRule) Scheme() string {
	if i := strings.Index(r.URL, "://"); i > 0 {
		return strings.ToLower(r.URL[:i])
	}
	return ""
}

// HostPort 从规则 URL 解析出目标地址
// https 默认 443，http 默认 80，socket 必须显式给出端口
func (r *ResourceRule) HostPort() (string, int, error) {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return "", 0, fmt.Errorf("rule %d: url is required", r.RuleNum)
	}
	if strings.ContainsAny(raw, " \t") {
		return "", 0, fmt.Errorf("rule %d: url %q must not contain white space", r.RuleNum, raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("rule %d: parse url: %w", r.RuleNum, err)
	}

	var defaultPort int
	switch strings.ToLower(u.Scheme) {
	case SchemeHTTPS:
		defaultPort = 443
	case SchemeHTTP:
		defaultPort = 80
	case SchemeSocket:
	default:
		return "", 0, fmt.Errorf("rule %d: unsupported scheme in %q", r.RuleNum, raw)
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("rule %d: url %q has no host", r.RuleNum, raw)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("rule %d: invalid port in %q", r.RuleNum, raw)
		}
		return host, port, nil
	}
	if defaultPort == 0 {
		return "", 0, fmt.Errorf("rule %d: socket url %q requires a port", r.RuleNum, raw)
	}
	return host, defaultPort, nil
}

// RuleFilter 规则查询过滤器
type RuleFilter struct {
	AgentID string // 为空时不过滤；否则匹配 AgentID 或 "all"
}

// Registration 一次成功注册的记录
type Registration struct {
	AgentID       string    `json:"agent_id"`
	RuleCount     int       `json:"rule_count"`
	StatusMessage string    `json:"status_message"`
	RegisteredAt  time.Time `json:"registered_at"`
}
