package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/protocol"
)

// Receiver 从隧道流读取帧并按类型分发
// 分发表是帧类型到处理函数的映射；未知类型记录日志后丢弃
type Receiver struct {
	r        io.Reader
	expected uint64 // 下一个期望的序列号，仅由读取方修改
	counter  *atomic.Int64
	logger   logging.Logger

	mu       sync.RWMutex
	handlers map[protocol.FrameType]HandlerFunc

	stopChan chan struct{}
	stopOnce sync.Once
}

// ReceiverConfig 接收器配置
type ReceiverConfig struct {
	Counter *atomic.Int64
	Logger  logging.Logger
}

// NewReceiver 创建接收器
func NewReceiver(r io.Reader, config *ReceiverConfig) *Receiver {
	if config == nil {
		config = &ReceiverConfig{}
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	if config.Counter == nil {
		config.Counter = new(atomic.Int64)
	}
	return &Receiver{
		r:        r,
		counter:  config.Counter,
		logger:   config.Logger,
		handlers: make(map[protocol.FrameType]HandlerFunc),
		stopChan: make(chan struct{}),
	}
}

// Handle 注册帧类型的处理函数，重复注册会覆盖
func (r *Receiver) Handle(t protocol.FrameType, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// ReadOne 同步读取一个帧，不经过分发
// 用于分发开始之前的授权与注册应答
func (r *Receiver) ReadOne() (*protocol.Frame, error) {
	f, n, err := protocol.Decode(r.r)
	r.counter.Add(int64(n))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("tunnel stream closed by peer: %w", err)
		}
		return nil, err
	}
	if f.Sequence != r.expected {
		return nil, protocol.NewFramingError(protocol.ErrCodeSequenceMismatch,
			"expected sequence %d, got %d", r.expected, f.Sequence)
	}
	r.expected++
	recordFrame("received", f.Type, n)
	return f, nil
}

// Run 读取并同步分发帧，直到出错或 Stop
// 帧错误和处理函数错误都会结束循环并返回；Stop 或 ctx 取消返回 nil
// 阻塞中的读取需要调用方关闭底层连接来释放
func (r *Receiver) Run(ctx context.Context) error {
	r.logger.Debug("Frame dispatcher started")
	for {
		if r.stopping(ctx) {
			return nil
		}
		f, err := r.ReadOne()
		if err != nil {
			if r.stopping(ctx) {
				return nil
			}
			r.logger.Error("Frame receive loop terminated", "error", err)
			return err
		}
		if err := r.dispatch(f); err != nil {
			r.logger.Error("Frame handler failed", "type", f.Type.String(), "sequence", f.Sequence, "error", err)
			return err
		}
	}
}

// dispatch 将帧交给其类型对应的处理函数
func (r *Receiver) dispatch(f *protocol.Frame) error {
	r.mu.RLock()
	h, ok := r.handlers[f.Type]
	r.mu.RUnlock()

	if !ok {
		r.logger.Warn("Dropping frame with no handler", "type", f.Type.String(), "sequence", f.Sequence)
		recordFrame("dropped", f.Type, 0)
		return nil
	}
	return h(f)
}

func (r *Receiver) stopping(ctx context.Context) bool {
	select {
	case <-r.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Stop 停止分发循环，可重复调用
func (r *Receiver) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	return nil
}
