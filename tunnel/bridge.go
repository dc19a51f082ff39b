package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/houzhh15/sdc-agent/protocol"
)

// Connection 一条逻辑连接的状态
// 本地 socket 由该连接的输入桥/输出桥独占
type Connection struct {
	id      uint64
	inbound chan *protocol.SocketDataInfo
	done    chan struct{}

	mu    sync.Mutex
	local net.Conn

	// skipClose 为真时输入桥退出不再发送 CLOSE（对端已关闭或会话拆除）
	skipClose atomic.Bool
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	openedAt  time.Time

	once    sync.Once
	publish func(*ConnectionEvent)
}

func newConnection(id uint64, queueSize int, publish func(*ConnectionEvent)) *Connection {
	return &Connection{
		id:       id,
		inbound:  make(chan *protocol.SocketDataInfo, queueSize),
		done:     make(chan struct{}),
		openedAt: time.Now(),
		publish:  publish,
	}
}

// ID 连接标识
func (c *Connection) ID() uint64 {
	return c.id
}

// attach 绑定本地 socket；连接已终止时关闭传入的 socket 并返回 false
func (c *Connection) attach(local net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		local.Close()
		return false
	default:
	}
	c.local = local
	return true
}

// terminate 关闭本地 socket 并发布关闭事件，无论从哪条路径调用都只执行一次
func (c *Connection) terminate(reason CloseReason) {
	c.once.Do(func() {
		c.mu.Lock()
		close(c.done)
		local := c.local
		c.mu.Unlock()

		if local != nil {
			local.Close()
		}
		c.publish(&ConnectionEvent{
			ConnectionID: c.id,
			Reason:       reason,
			BytesIn:      c.bytesIn.Load(),
			BytesOut:     c.bytesOut.Load(),
			OpenedAt:     c.openedAt,
			ClosedAt:     time.Now(),
		})
	})
}

// deliver 将入站记录放入输出桥队列，连接终止后丢弃
func (c *Connection) deliver(info *protocol.SocketDataInfo, stop <-chan struct{}) {
	select {
	case c.inbound <- info:
	case <-c.done:
	case <-stop:
	}
}

// inputBridge 本地 -> 隧道
// 每次非空读取封装为 CONTINUE；读错误时发送 CLOSE 后终止
// EOF 时发送 CLOSE，待输出桥写完已入队的数据后终止
func (m *Mux) inputBridge(c *Connection) {
	defer m.wg.Done()

	buf := make([]byte, m.config.ReadBufferSize)
	for {
		n, err := c.local.Read(buf)
		if n > 0 {
			segment := make([]byte, n)
			copy(segment, buf[:n])
			if serr := m.sender.SendFrame(protocol.NewSocketDataFrame(c.id, protocol.StateContinue, segment)); serr != nil {
				if errors.Is(serr, ErrSenderStopped) {
					c.skipClose.Store(true)
					c.terminate(CloseMuxShutdown)
					return
				}
				// 数据段无法成帧：该连接失败，会话继续
				m.logger.Error("Local data not framed", "connection_id", c.id, "bytes", n, "error", serr)
				m.sendClose(c)
				c.terminate(CloseLocalError)
				return
			}
			c.bytesIn.Add(int64(n))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if !IsExpectedCloseError(err) {
					m.logger.Debug("Local read failed", "connection_id", c.id, "error", err)
				}
				m.sendClose(c)
				c.terminate(CloseLocalError)
				return
			}
			// 本地 EOF：CLOSE 排在输出队列末尾，已入队的数据先写出
			m.sendClose(c)
			c.deliver(localEOF, m.stopChan)
			return
		}
	}
}

// localEOF 输入桥读到本地 EOF 后投递给输出桥的标记
var localEOF = &protocol.SocketDataInfo{State: protocol.StateClose}

// sendClose 向对端发送 CLOSE，对端已关闭时跳过
func (m *Mux) sendClose(c *Connection) {
	if c.skipClose.Load() {
		return
	}
	if err := m.sender.SendFrame(protocol.NewSocketDataFrame(c.id, protocol.StateClose, nil)); err != nil {
		m.logger.Debug("CLOSE not sent", "connection_id", c.id, "error", err)
	}
}

// outputBridge 隧道 -> 本地
// CONTINUE 原样写入本地 socket；CLOSE 或本地 EOF 标记关闭本地 socket 并结束
func (m *Mux) outputBridge(c *Connection) {
	defer m.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case info := <-c.inbound:
			switch info.State {
			case protocol.StateClose:
				if info == localEOF {
					c.terminate(CloseLocalEOF)
					return
				}
				c.skipClose.Store(true)
				c.terminate(CloseRemote)
				return
			case protocol.StateContinue:
				if _, err := c.local.Write(info.Segment); err != nil {
					if !IsExpectedCloseError(err) {
						m.logger.Debug("Local write failed", "connection_id", c.id, "error", err)
					}
					c.terminate(CloseLocalError)
					return
				}
				c.bytesOut.Add(int64(len(info.Segment)))
			}
		}
	}
}
