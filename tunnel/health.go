package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/protocol"
)

// HealthState 健康监视器状态
type HealthState int32

const (
	HealthHealthy HealthState = iota // 初始状态
	HealthFailed                     // 终止状态
)

// String 返回状态名称
func (s HealthState) String() string {
	if s == HealthFailed {
		return "FAILED"
	}
	return "HEALTHY"
}

// HealthMonitor 心跳状态机
// 每个间隔发送一次 HEALTH_CHECK 请求，超过超时时间未收到响应即进入 FAILED，
// 仅调用一次失败回调
type HealthMonitor struct {
	sender    FrameSender
	interval  time.Duration
	timeout   time.Duration
	onFailure func()
	now       func() time.Time
	logger    logging.Logger

	lastReceived atomic.Int64 // unix 纳秒
	state        atomic.Int32

	stopChan chan struct{}
	stopOnce sync.Once
}

// HealthMonitorConfig 健康监视器配置
type HealthMonitorConfig struct {
	Sender    FrameSender
	Interval  time.Duration
	Timeout   time.Duration
	OnFailure func()
	Logger    logging.Logger
	// Now 测试用时钟，默认 time.Now
	Now func() time.Time
}

// NewHealthMonitor 创建健康监视器，lastReceived 初始化为当前时间
func NewHealthMonitor(config *HealthMonitorConfig) *HealthMonitor {
	d := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = d.HealthCheckInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = d.HealthCheckTimeout
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.OnFailure == nil {
		config.OnFailure = func() {}
	}

	h := &HealthMonitor{
		sender:    config.Sender,
		interval:  config.Interval,
		timeout:   config.Timeout,
		onFailure: config.OnFailure,
		now:       config.Now,
		logger:    config.Logger,
		stopChan:  make(chan struct{}),
	}
	h.lastReceived.Store(h.now().UnixNano())
	return h
}

// Run 运行心跳循环
// 超时返回 ErrHealthCheckTimeout；ctx 取消或 Stop 返回 nil 且不调用失败回调
func (h *HealthMonitor) Run(ctx context.Context) error {
	h.logger.Info("Health monitor started", "interval", h.interval.String(), "timeout", h.timeout.String())

	timer := time.NewTimer(h.interval)
	defer timer.Stop()

	for {
		if err := h.sendRequest(); err != nil {
			if h.stopping(ctx) {
				return nil
			}
			h.logger.Warn("Health check request not sent", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-h.stopChan:
			return nil
		case <-timer.C:
		}

		last := time.Unix(0, h.lastReceived.Load())
		if h.now().Sub(last) > h.timeout {
			if !h.state.CompareAndSwap(int32(HealthHealthy), int32(HealthFailed)) {
				return ErrHealthCheckTimeout
			}
			healthCheckFailures.Inc()
			h.logger.Error("Health check timed out", "last_response", last.Format(time.RFC3339), "timeout", h.timeout.String())
			h.onFailure()
			return ErrHealthCheckTimeout
		}
		timer.Reset(h.interval)
	}
}

func (h *HealthMonitor) sendRequest() error {
	f, err := protocol.NewFrame(protocol.FrameTypeHealthCheck, &protocol.HealthCheckInfo{
		Type:      protocol.HealthCheckRequest,
		Source:    protocol.SourceClient,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return h.sender.SendFrame(f)
}

// Dispatch 处理 HEALTH_CHECK 帧
// 响应刷新 lastReceived；服务端发起的请求回送响应
func (h *HealthMonitor) Dispatch(f *protocol.Frame) error {
	var info protocol.HealthCheckInfo
	if err := protocol.Unmarshal(f.Payload, &info); err != nil {
		return err
	}

	switch info.Type {
	case protocol.HealthCheckResponse:
		h.lastReceived.Store(h.now().UnixNano())
	case protocol.HealthCheckRequest:
		reply, err := protocol.NewFrame(protocol.FrameTypeHealthCheck, &protocol.HealthCheckInfo{
			Type:      protocol.HealthCheckResponse,
			Source:    protocol.SourceClient,
			Timestamp: h.now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		if err := h.sender.SendFrame(reply); err != nil {
			h.logger.Debug("Health check response not sent", "error", err)
		}
	default:
		h.logger.Warn("Ignoring health check with unknown type", "type", int(info.Type))
	}
	return nil
}

// State 当前状态
func (h *HealthMonitor) State() HealthState {
	return HealthState(h.state.Load())
}

// LastReceived 最近一次收到响应的时间
func (h *HealthMonitor) LastReceived() time.Time {
	return time.Unix(0, h.lastReceived.Load())
}

func (h *HealthMonitor) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-h.stopChan:
		return true
	default:
		return false
	}
}

// Stop 停止心跳循环，可重复调用，不触发失败回调
func (h *HealthMonitor) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	return nil
}
