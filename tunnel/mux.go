package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/jpillora/sizestr"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/protocol"
)

// DialFunc 为对端发起的 START 打开本地连接（通常指向本地 SOCKS 前端）
type DialFunc func(ctx context.Context) (net.Conn, error)

// Mux 逻辑连接注册表
// 负责 SOCKET_DATA 按 connectionId 解复用，以及连接关闭事件的统一处理
type Mux struct {
	sender FrameSender
	dial   DialFunc
	config *Config
	logger logging.Logger

	mu     sync.RWMutex
	conns  map[uint64]*Connection
	nextID atomic.Uint64

	closed    chan *ConnectionEvent
	listeners []func(*ConnectionEvent)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MuxConfig 复用器配置
type MuxConfig struct {
	Sender FrameSender
	Dial   DialFunc
	Config *Config
	Logger logging.Logger
}

// NewMux 创建连接复用器
func NewMux(config *MuxConfig) *Mux {
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.setDefaults()
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}
	return &Mux{
		sender:   config.Sender,
		dial:     config.Dial,
		config:   config.Config,
		logger:   config.Logger,
		conns:    make(map[uint64]*Connection),
		closed:   make(chan *ConnectionEvent, 256),
		stopChan: make(chan struct{}),
	}
}

// OnClose 注册连接关闭监听，需在 Run 之前调用
func (m *Mux) OnClose(fn func(*ConnectionEvent)) {
	m.listeners = append(m.listeners, fn)
}

// Dispatch 处理 SOCKET_DATA 帧
// 负载无法解析返回帧错误；未知 connectionId 的数据直接丢弃
func (m *Mux) Dispatch(f *protocol.Frame) error {
	info, err := protocol.UnmarshalSocketData(f.Payload)
	if err != nil {
		return err
	}

	if info.State == protocol.StateStart {
		m.start(info.ConnectionID)
		return nil
	}

	m.mu.RLock()
	c, ok := m.conns[info.ConnectionID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("Dropping socket data for unknown connection",
			"connection_id", info.ConnectionID, "state", info.State.String())
		return nil
	}
	c.deliver(info, m.stopChan)
	return nil
}

// start 处理对端的 START：先登记连接再异步拨号，拨号期间到达的数据在队列中等待
func (m *Mux) start(id uint64) {
	if m.isStopped() {
		return
	}
	m.mu.Lock()
	if _, exists := m.conns[id]; exists {
		m.mu.Unlock()
		m.logger.Warn("Ignoring START for open connection", "connection_id", id)
		return
	}
	c := m.register(id)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
		defer cancel()

		local, err := m.dial(ctx)
		if err != nil {
			m.logger.Warn("Local dial failed", "connection_id", id, "error", err)
			c.skipClose.Store(true)
			if serr := m.sender.SendFrame(protocol.NewSocketDataFrame(id, protocol.StateClose, nil)); serr != nil {
				m.logger.Debug("CLOSE not sent", "connection_id", id, "error", serr)
			}
			c.terminate(CloseDialFailed)
			return
		}
		if !c.attach(local) {
			return
		}
		m.startBridges(c)
	}()
}

// Open 将本地发起的连接接入隧道：分配新 id、发送 START 并启动桥接
// 代理本身只响应对端的 START；Open 供本地发起连接的场景（测试桩与基准）使用
// 本地分配的 id 从 1 开始递增，跳过对端 START 已占用的 id
func (m *Mux) Open(local net.Conn) (uint64, error) {
	if m.isStopped() {
		local.Close()
		return 0, ErrMuxStopped
	}

	m.mu.Lock()
	id := m.nextID.Add(1)
	for {
		if _, taken := m.conns[id]; !taken && id != 0 {
			break
		}
		id = m.nextID.Add(1)
	}
	c := m.register(id)
	m.mu.Unlock()
	c.attach(local)

	if err := m.sender.SendFrame(protocol.NewSocketDataFrame(id, protocol.StateStart, nil)); err != nil {
		c.skipClose.Store(true)
		c.terminate(CloseMuxShutdown)
		return 0, fmt.Errorf("open connection %d: %w", id, err)
	}
	m.startBridges(c)
	return id, nil
}

// register 登记新连接，调用方持有写锁
func (m *Mux) register(id uint64) *Connection {
	c := newConnection(id, m.config.InboundQueueSize, m.publishClosed)
	m.conns[id] = c
	tunnelConnections.Inc()
	return c
}

func (m *Mux) startBridges(c *Connection) {
	m.wg.Add(2)
	go m.inputBridge(c)
	go m.outputBridge(c)
	m.logger.Debug("Connection bridged", "connection_id", c.id)
}

// publishClosed 由连接的 terminate 调用，把关闭事件投递给 Run
// 复用器已停止时直接在调用方处理
func (m *Mux) publishClosed(ev *ConnectionEvent) {
	select {
	case m.closed <- ev:
	case <-m.stopChan:
		m.handleClosed(ev)
	}
}

// Run 消费连接关闭事件，直到 ctx 取消或 Stop
func (m *Mux) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopChan:
			return nil
		case ev := <-m.closed:
			m.handleClosed(ev)
		}
	}
}

func (m *Mux) handleClosed(ev *ConnectionEvent) {
	m.mu.Lock()
	_, ok := m.conns[ev.ConnectionID]
	delete(m.conns, ev.ConnectionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	recordConnectionClosed(ev)
	m.logger.Debug("Connection closed",
		"connection_id", ev.ConnectionID,
		"reason", string(ev.Reason),
		"sent", sizestr.ToString(ev.BytesIn),
		"received", sizestr.ToString(ev.BytesOut),
		"duration", ev.Duration().String())
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// Count 当前打开的逻辑连接数
func (m *Mux) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stop 关闭所有逻辑连接，可重复调用
func (m *Mux) Stop() error {
	m.stopOnce.Do(func() {
		close(m.stopChan)

		m.mu.RLock()
		conns := make([]*Connection, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.RUnlock()

		for _, c := range conns {
			c.skipClose.Store(true)
			c.terminate(CloseMuxShutdown)
		}
		// 处理 Stop 之前已投递但尚未消费的事件
		for {
			select {
			case ev := <-m.closed:
				m.handleClosed(ev)
			default:
				m.logger.Info("Connection mux stopped", "closed", len(conns))
				return
			}
		}
	})
	return nil
}

// Wait 等待所有桥接 goroutine 退出
func (m *Mux) Wait() {
	m.wg.Wait()
}

func (m *Mux) isStopped() bool {
	select {
	case <-m.stopChan:
		return true
	default:
		return false
	}
}
