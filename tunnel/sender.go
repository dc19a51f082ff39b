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

// Sender 将多个生产者提交的帧串行写入隧道流
// 唯一的后台 worker 负责分配序列号，序列号从 0 开始严格递增、无空洞
type Sender struct {
	w        io.Writer
	queue    chan *protocol.Frame
	sequence uint64 // 仅由 Run 修改
	counter  *atomic.Int64
	logger   logging.Logger

	running  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// SenderConfig 发送器配置
type SenderConfig struct {
	QueueSize int
	// Counter 可选的共享字节计数器
	Counter *atomic.Int64
	Logger  logging.Logger
}

// NewSender 创建发送器
func NewSender(w io.Writer, config *SenderConfig) *Sender {
	if config == nil {
		config = &SenderConfig{}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().SendQueueSize
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	if config.Counter == nil {
		config.Counter = new(atomic.Int64)
	}
	return &Sender{
		w:        w,
		queue:    make(chan *protocol.Frame, config.QueueSize),
		counter:  config.Counter,
		logger:   config.Logger,
		stopChan: make(chan struct{}),
	}
}

// Send 按类型和负载入队一个帧
func (s *Sender) Send(t protocol.FrameType, payload []byte) error {
	return s.SendFrame(&protocol.Frame{Type: t, Payload: payload})
}

// SendFrame 入队一个帧，队列满时阻塞
// 帧的 Sequence 字段会被忽略，由 worker 在写出时分配
// 超过最大帧长的帧不入队，返回 *protocol.FramingError
func (s *Sender) SendFrame(f *protocol.Frame) error {
	if err := protocol.CheckFrameSize(f); err != nil {
		recordFrame("rejected", f.Type, 0)
		return err
	}

	select {
	case <-s.stopChan:
		return ErrSenderStopped
	default:
	}

	select {
	case s.queue <- f:
		return nil
	case <-s.stopChan:
		return ErrSenderStopped
	}
}

// Run 运行写出循环，直到写入失败、ctx 取消或 Stop
// 写入失败返回错误，调用方必须将其视为会话级致命错误
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("frame sender already running")
	}
	s.logger.Debug("Frame sender started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stopChan:
			return nil
		case f := <-s.queue:
			if err := s.write(f); err != nil {
				select {
				case <-s.stopChan:
					// 拆除过程中关闭连接导致的写失败
					return nil
				default:
				}
				s.logger.Error("Frame sender stopped on write error", "sequence", s.sequence, "error", err)
				return err
			}
		}
	}
}

// write 分配序列号并写出一个帧
func (s *Sender) write(f *protocol.Frame) error {
	out := protocol.Frame{Type: f.Type, Sequence: s.sequence, Payload: f.Payload}
	buf, err := protocol.AppendFrame(nil, &out)
	if err != nil {
		return fmt.Errorf("encode %s frame %d: %w", f.Type, out.Sequence, err)
	}

	n, err := s.w.Write(buf)
	if err != nil {
		return fmt.Errorf("write %s frame %d: %w", f.Type, out.Sequence, err)
	}
	s.sequence++
	s.counter.Add(int64(n))
	recordFrame("sent", f.Type, n)
	return nil
}

// Stop 停止发送器，可重复调用
func (s *Sender) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	return nil
}

// BytesTransferred 返回共享计数器的当前值
func (s *Sender) BytesTransferred() int64 {
	return s.counter.Load()
}

// Pending 返回队列中等待写出的帧数
func (s *Sender) Pending() int {
	return len(s.queue)
}
