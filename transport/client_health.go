package transport

import (
	"sync"
	"time"
)

// 健康状态文本
const (
	HealthOK    = "OK"
	HealthNotOK = "NOT OK"
)

// DefaultHealthWindow 字节计数必须在该窗口内增长
const DefaultHealthWindow = 2 * time.Minute

// ClientHealth 根据隧道字节计数判断代理是否在工作
// 心跳帧保证正常会话的计数持续增长，计数停滞超过窗口即视为不健康
type ClientHealth struct {
	counter func() int64
	window  time.Duration
	now     func() time.Time

	mu         sync.Mutex
	lastValue  int64
	lastChange time.Time
}

// NewClientHealth 创建健康检查，counter 通常为 Sender.BytesTransferred
func NewClientHealth(counter func() int64, window time.Duration) *ClientHealth {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	h := &ClientHealth{
		counter: counter,
		window:  window,
		now:     time.Now,
	}
	h.lastValue = counter()
	h.lastChange = h.now()
	return h
}

// Healthy 计数在窗口内增长过则返回 true
func (h *ClientHealth) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if v := h.counter(); v != h.lastValue {
		h.lastValue = v
		h.lastChange = now
	}
	return now.Sub(h.lastChange) <= h.window
}

// Status 返回 "OK" 或 "NOT OK"
func (h *ClientHealth) Status() string {
	if h.Healthy() {
		return HealthOK
	}
	return HealthNotOK
}
