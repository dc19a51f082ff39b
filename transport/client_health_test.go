package transport

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientHealth(t *testing.T) {
	var counter atomic.Int64
	now := time.Unix(1700000000, 0)

	h := NewClientHealth(counter.Load, time.Minute)
	h.now = func() time.Time { return now }
	h.lastChange = now

	assert.Equal(t, HealthOK, h.Status())

	// 计数停滞但仍在窗口内
	now = now.Add(50 * time.Second)
	assert.True(t, h.Healthy())

	// 超出窗口
	now = now.Add(20 * time.Second)
	assert.Equal(t, HealthNotOK, h.Status())

	// 计数增长后恢复
	counter.Add(128)
	assert.Equal(t, HealthOK, h.Status())

	now = now.Add(59 * time.Second)
	assert.True(t, h.Healthy())
	now = now.Add(2 * time.Second)
	assert.False(t, h.Healthy())
}

func TestClientHealth_DefaultWindow(t *testing.T) {
	h := NewClientHealth(func() int64 { return 0 }, 0)
	assert.Equal(t, DefaultHealthWindow, h.window)
	assert.True(t, h.Healthy())
}
