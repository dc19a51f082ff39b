// Package brokertest runs an in-memory broker peer for tunnel and session tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/houzhh15/sdc-agent/protocol"
	"github.com/houzhh15/sdc-agent/transport"
)

// ErrDialRefused FailNext 期间 Dial 返回的错误
var ErrDialRefused = errors.New("brokertest: dial refused")

// Broker 模拟 broker 端
// 每次 Dial 产生一个 Peer；Peer 自动应答授权、注册和心跳请求
type Broker struct {
	t testing.TB

	// 对授权与注册的应答
	AuthResult         protocol.AuthResult
	RegistrationResult protocol.RegistrationResult
	ServerConf         *protocol.ServerSuppliedConf
	// AnswerHealth 为 false 时不回应心跳请求
	AnswerHealth bool
	// Handshake 为 true 时 Peer 先读取握手行，用于真实的 BrokerDialer
	Handshake bool

	peers    chan *Peer
	dials    atomic.Int32
	failNext atomic.Int32
}

// New 创建默认全部放行的 broker
func New(t testing.TB) *Broker {
	return &Broker{
		t:                  t,
		AuthResult:         protocol.AuthResultOK,
		RegistrationResult: protocol.RegistrationResultOK,
		AnswerHealth:       true,
		peers:              make(chan *Peer, 16),
	}
}

// FailNext 让接下来 n 次 Dial 失败
func (b *Broker) FailNext(n int) {
	b.failNext.Store(int32(n))
}

// Dials Dial 被调用的次数
func (b *Broker) Dials() int {
	return int(b.dials.Load())
}

// Dial 实现 transport.Dialer，返回内存连接的代理端
func (b *Broker) Dial(ctx context.Context) (net.Conn, error) {
	b.dials.Add(1)
	if b.failNext.Load() > 0 {
		b.failNext.Add(-1)
		return nil, ErrDialRefused
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	agent, broker := net.Pipe()
	b.ServeConn(broker)
	return agent, nil
}

// ServeConn 在已建立的连接上运行一个 Peer
func (b *Broker) ServeConn(conn net.Conn) *Peer {
	p := &Peer{
		b:        b,
		conn:     conn,
		Auth:     make(chan *protocol.AuthorizationInfo, 1),
		Register: make(chan *protocol.RegistrationRequest, 1),
		frames:   make(chan *protocol.Frame, 1024),
		streams:  make(map[uint64]*Stream),
		done:     make(chan struct{}),

		handshakeDone: make(chan struct{}),
	}
	go p.serve()
	b.peers <- p
	return p
}

// Listen 在监听器上接受真实连接，直到监听器关闭
func (b *Broker) Listen(ln net.Listener) {
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.ServeConn(conn)
		}
	}()
}

// Accept 等待下一个 Peer
func (b *Broker) Accept() *Peer {
	b.t.Helper()
	select {
	case p := <-b.peers:
		return p
	case <-time.After(5 * time.Second):
		b.t.Fatal("brokertest: no agent connected")
		return nil
	}
}

// Peer 一条 agent 连接的 broker 端
type Peer struct {
	b    *Broker
	conn net.Conn

	// Auth 与 Register 收到的请求
	Auth     chan *protocol.AuthorizationInfo
	Register chan *protocol.RegistrationRequest

	wmu sync.Mutex
	seq uint64

	mu      sync.Mutex
	streams map[uint64]*Stream

	frames         chan *protocol.Frame
	healthRequests atomic.Int32
	handshake      string
	handshakeDone  chan struct{}
	err            error
	done           chan struct{}
}

func (p *Peer) serve() {
	defer close(p.done)
	defer p.closeStreams()

	if p.b.Handshake {
		line, err := transport.ReadHandshake(p.conn)
		if err != nil {
			p.err = err
			close(p.handshakeDone)
			return
		}
		p.handshake = line
	}
	close(p.handshakeDone)

	var expected uint64
	for {
		f, _, err := protocol.Decode(p.conn)
		if err != nil {
			p.err = err
			return
		}
		if f.Sequence != expected {
			p.err = fmt.Errorf("brokertest: sequence %d, want %d", f.Sequence, expected)
			return
		}
		expected++
		if err := p.handle(f); err != nil {
			p.err = err
			return
		}
	}
}

func (p *Peer) handle(f *protocol.Frame) error {
	switch f.Type {
	case protocol.FrameTypeAuthorization:
		var info protocol.AuthorizationInfo
		if err := protocol.Unmarshal(f.Payload, &info); err != nil {
			return err
		}
		p.Auth <- &info
		return p.reply(protocol.FrameTypeAuthorization, &protocol.AuthorizationInfo{Result: p.b.AuthResult})
	case protocol.FrameTypeRegistration:
		var req protocol.RegistrationRequest
		if err := protocol.Unmarshal(f.Payload, &req); err != nil {
			return err
		}
		p.Register <- &req
		return p.reply(protocol.FrameTypeRegistration, &protocol.RegistrationResponse{
			Result:        p.b.RegistrationResult,
			StatusMessage: "registered",
			ServerConf:    p.b.ServerConf,
		})
	case protocol.FrameTypeHealthCheck:
		var info protocol.HealthCheckInfo
		if err := protocol.Unmarshal(f.Payload, &info); err != nil {
			return err
		}
		if info.Type == protocol.HealthCheckRequest {
			p.healthRequests.Add(1)
			if p.b.AnswerHealth {
				return p.reply(protocol.FrameTypeHealthCheck, &protocol.HealthCheckInfo{
					Type:      protocol.HealthCheckResponse,
					Source:    protocol.SourceServer,
					Timestamp: time.Now().UnixMilli(),
				})
			}
			return nil
		}
	case protocol.FrameTypeSocketData:
		info, err := protocol.UnmarshalSocketData(f.Payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		s := p.streams[info.ConnectionID]
		p.mu.Unlock()
		if s != nil {
			s.deliver(info)
			return nil
		}
	}
	select {
	case p.frames <- f:
	default:
	}
	return nil
}

func (p *Peer) reply(t protocol.FrameType, msg interface{}) error {
	f, err := protocol.NewFrame(t, msg)
	if err != nil {
		return err
	}
	return p.Send(f)
}

// Send 以 broker 的序列号写出一个帧
func (p *Peer) Send(f *protocol.Frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	out := protocol.Frame{Type: f.Type, Sequence: p.seq, Payload: f.Payload}
	if _, err := protocol.Encode(p.conn, &out); err != nil {
		return err
	}
	p.seq++
	return nil
}

// Next 等待下一个未被自动处理的帧
func (p *Peer) Next(timeout time.Duration) (*protocol.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.done:
		return nil, fmt.Errorf("brokertest: peer closed: %v", p.err)
	case <-time.After(timeout):
		return nil, errors.New("brokertest: timed out waiting for frame")
	}
}

// HealthRequests 收到的心跳请求数
func (p *Peer) HealthRequests() int {
	return int(p.healthRequests.Load())
}

// Handshake 收到的握手版本，Broker.Handshake 为 false 时为空
func (p *Peer) Handshake() string {
	<-p.handshakeDone
	return p.handshake
}

// Done 读取循环退出后关闭
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err 读取循环退出的原因
func (p *Peer) Err() error {
	<-p.done
	return p.err
}

// Close 关闭连接
func (p *Peer) Close() error {
	return p.conn.Close()
}

// Open 以 START 打开逻辑连接，返回 broker 侧的字节流
func (p *Peer) Open(id uint64) (*Stream, error) {
	s := &Stream{id: id, peer: p}
	s.pr, s.pw = io.Pipe()
	p.mu.Lock()
	p.streams[id] = s
	p.mu.Unlock()
	if err := p.Send(protocol.NewSocketDataFrame(id, protocol.StateStart, nil)); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Peer) closeStreams() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		s.pw.CloseWithError(io.EOF)
	}
}

// Stream broker 侧的一条逻辑连接
// Write 发送 CONTINUE；收到对端 CLOSE 后 Read 返回 io.EOF
type Stream struct {
	id     uint64
	peer   *Peer
	pr     *io.PipeReader
	pw     *io.PipeWriter
	closed atomic.Bool
}

// ID 连接标识
func (s *Stream) ID() uint64 {
	return s.id
}

func (s *Stream) deliver(info *protocol.SocketDataInfo) {
	switch info.State {
	case protocol.StateClose:
		s.closed.Store(true)
		s.pw.CloseWithError(io.EOF)
	default:
		if len(info.Segment) > 0 {
			// 读取方落后时阻塞 Peer 的读取循环，与真实 broker 的背压一致
			s.pw.Write(info.Segment)
		}
	}
}

func (s *Stream) Read(b []byte) (int, error) {
	return s.pr.Read(b)
}

func (s *Stream) Write(b []byte) (int, error) {
	if err := s.peer.Send(protocol.NewSocketDataFrame(s.id, protocol.StateContinue, b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close 发送 CLOSE
func (s *Stream) Close() error {
	s.pr.Close()
	return s.peer.Send(protocol.NewSocketDataFrame(s.id, protocol.StateClose, nil))
}

// ClosedByAgent 是否收到过 agent 的 CLOSE
func (s *Stream) ClosedByAgent() bool {
	return s.closed.Load()
}
