package tunnel

import (
	"encoding/json"
	"time"
)

// EventPublisher 会话事件的接收方，Publish 不得阻塞
type EventPublisher interface {
	Publish(event *Event)
}

// Event 推送给本地订阅者的事件
type Event struct {
	// Type 事件类型，同时作为 SSE 的 event 字段
	Type string `json:"type"`

	// Data 事件数据（JSON）
	Data json.RawMessage `json:"data"`

	// Timestamp Unix 毫秒
	Timestamp int64 `json:"timestamp"`
}

// 事件类型
const (
	EventTypeSessionState     = "session.state"
	EventTypeConnectionClosed = "connection.closed"
	EventTypeHealthFailed     = "health.failed"
)

// SessionStateData 会话阶段变化
type SessionStateData struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// ConnectionClosedData 逻辑连接关闭
type ConnectionClosedData struct {
	SessionID    string `json:"session_id"`
	ConnectionID uint64 `json:"connection_id"`
	Reason       string `json:"reason"`
	BytesIn      int64  `json:"bytes_in"`
	BytesOut     int64  `json:"bytes_out"`
	DurationMs   int64  `json:"duration_ms"`
}

// HealthFailedData 心跳超时
type HealthFailedData struct {
	SessionID string `json:"session_id"`
	Timeout   string `json:"timeout"`
}

// NewEvent 创建事件
func NewEvent(eventType string, data interface{}) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		Type:      eventType,
		Data:      jsonData,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ParseData 解析事件数据到目标结构
func (e *Event) ParseData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// ConnectionClosedEvent 由 Mux 的关闭事件构造推送事件
func ConnectionClosedEvent(sessionID string, ev *ConnectionEvent) *Event {
	event, _ := NewEvent(EventTypeConnectionClosed, &ConnectionClosedData{
		SessionID:    sessionID,
		ConnectionID: ev.ConnectionID,
		Reason:       string(ev.Reason),
		BytesIn:      ev.BytesIn,
		BytesOut:     ev.BytesOut,
		DurationMs:   ev.Duration().Milliseconds(),
	})
	return event
}
