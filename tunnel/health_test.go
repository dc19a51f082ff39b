package tunnel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/sdc-agent/protocol"
)

func healthFrame(t *testing.T, typ protocol.HealthCheckType) *protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(protocol.FrameTypeHealthCheck, &protocol.HealthCheckInfo{
		Type:      typ,
		Source:    protocol.SourceServer,
		Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return f
}

func TestHealthMonitor_StaysHealthyWithResponses(t *testing.T) {
	sender := &captureSender{}
	var failures atomic.Int32
	h := NewHealthMonitor(&HealthMonitorConfig{
		Sender:    sender,
		Interval:  20 * time.Millisecond,
		Timeout:   100 * time.Millisecond,
		OnFailure: func() { failures.Add(1) },
		Logger:    &mockLogger{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	ticker := time.NewTicker(20 * time.Millisecond)
	deadline := time.After(400 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			require.NoError(t, h.Dispatch(healthFrame(t, protocol.HealthCheckResponse)))
		case <-deadline:
			break loop
		}
	}
	ticker.Stop()
	cancel()

	assert.NoError(t, <-done)
	assert.Zero(t, failures.Load())
	assert.Equal(t, HealthHealthy, h.State())
	assert.NotEmpty(t, sender.byType(protocol.FrameTypeHealthCheck))
}

func TestHealthMonitor_FailsOnceWithoutResponses(t *testing.T) {
	var failures atomic.Int32
	h := NewHealthMonitor(&HealthMonitorConfig{
		Sender:    &captureSender{},
		Interval:  10 * time.Millisecond,
		Timeout:   50 * time.Millisecond,
		OnFailure: func() { failures.Add(1) },
	})

	start := time.Now()
	err := h.Run(context.Background())
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, HealthFailed, h.State())
	assert.Less(t, time.Since(start), time.Second)

	// 终止状态，再次运行不会重复回调
	assert.ErrorIs(t, h.Run(context.Background()), ErrHealthCheckTimeout)
	assert.Equal(t, int32(1), failures.Load())
}

func TestHealthMonitor_CancellationSkipsCallback(t *testing.T) {
	var failures atomic.Int32
	h := NewHealthMonitor(&HealthMonitorConfig{
		Sender:    &captureSender{},
		Interval:  time.Hour,
		Timeout:   time.Millisecond,
		OnFailure: func() { failures.Add(1) },
	})

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Zero(t, failures.Load())
	assert.Equal(t, HealthHealthy, h.State())
}

func TestHealthMonitor_ResponseUpdatesLastReceived(t *testing.T) {
	now := time.Unix(1000, 0)
	h := NewHealthMonitor(&HealthMonitorConfig{
		Sender: &captureSender{},
		Now:    func() time.Time { return now },
	})
	assert.True(t, now.Equal(h.LastReceived()))

	now = now.Add(30 * time.Second)
	require.NoError(t, h.Dispatch(healthFrame(t, protocol.HealthCheckResponse)))
	assert.True(t, now.Equal(h.LastReceived()))
}

func TestHealthMonitor_AnswersServerRequest(t *testing.T) {
	sender := &captureSender{}
	h := NewHealthMonitor(&HealthMonitorConfig{Sender: sender})
	before := h.LastReceived()

	require.NoError(t, h.Dispatch(healthFrame(t, protocol.HealthCheckRequest)))

	frames := sender.byType(protocol.FrameTypeHealthCheck)
	require.Len(t, frames, 1)
	var info protocol.HealthCheckInfo
	require.NoError(t, protocol.Unmarshal(frames[0].Payload, &info))
	assert.Equal(t, protocol.HealthCheckResponse, info.Type)
	assert.Equal(t, protocol.SourceClient, info.Source)
	assert.True(t, before.Equal(h.LastReceived()))
}

func TestHealthMonitor_MalformedPayload(t *testing.T) {
	h := NewHealthMonitor(&HealthMonitorConfig{Sender: &captureSender{}})
	err := h.Dispatch(&protocol.Frame{Type: protocol.FrameTypeHealthCheck, Payload: []byte{0xff}})
	assert.True(t, protocol.IsFramingError(err))
}

func TestConfig_ApplyServerConf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyServerConf(&protocol.ServerSuppliedConf{HealthCheckInterval: 2, HealthCheckTimeout: 9})
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 9*time.Second, cfg.HealthCheckTimeout)

	cfg.ApplyServerConf(nil)
	assert.Equal(t, 2*time.Second, cfg.HealthCheckInterval)
}
