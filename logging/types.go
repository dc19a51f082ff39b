package logging

import "time"

// 审计事件类别
const (
	KindAdmission  = "admission"
	KindConnection = "connection"
	KindSecurity   = "security"
)

// AdmissionEvent 本地代理的准入决定
type AdmissionEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id,omitempty"`
	User        string    `json:"user,omitempty"`
	AppID       string    `json:"app_id,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	SourceAddr  string    `json:"source_addr"`
	Destination string    `json:"destination"`
	Result      string    `json:"result"` // "allowed", "denied"
	Reason      string    `json:"reason,omitempty"`
}

// ConnectionEvent 多路复用连接的打开与关闭
type ConnectionEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	SessionID    string        `json:"session_id"`
	ConnectionID uint64        `json:"connection_id"`
	Destination  string        `json:"destination,omitempty"`
	Action       string        `json:"action"` // "open", "close"
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	BytesIn      int64         `json:"bytes_in,omitempty"`
	BytesOut     int64         `json:"bytes_out,omitempty"`
}

// SecurityEvent 安全事件
type SecurityEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	EventType SecurityEventType      `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// SecurityEventType 安全事件类型
type SecurityEventType string

const (
	EventAuthRejected         SecurityEventType = "auth_rejected"
	EventRegistrationRejected SecurityEventType = "registration_rejected"
	EventCertInvalid          SecurityEventType = "cert_invalid"
	EventCertRevoked          SecurityEventType = "cert_revoked"
	EventKeyRejected          SecurityEventType = "key_rejected"
	EventHealthTimeout        SecurityEventType = "health_timeout"
)

// Severity 严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditFilter 审计日志查询过滤器
type AuditFilter struct {
	Kind      string    `json:"kind,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Action    string    `json:"action,omitempty"` // connection action 或 admission result
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// AuditLog 审计日志记录
type AuditLog struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      string      `json:"kind"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action,omitempty"`
	Data      interface{} `json:"data"`
}

// matches 检查日志是否匹配过滤条件
func (l *AuditLog) matches(f *AuditFilter) bool {
	if !f.StartTime.IsZero() && l.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && l.Timestamp.After(f.EndTime) {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.SessionID != "" && l.SessionID != f.SessionID {
		return false
	}
	if f.Action != "" && l.Action != f.Action {
		return false
	}
	return true
}
