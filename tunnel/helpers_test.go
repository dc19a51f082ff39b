package tunnel

import (
	"sync"

	"github.com/houzhh15/sdc-agent/protocol"
)

// mockLogger 记录日志消息，可并发使用
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) add(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) Info(msg string, args ...interface{})  { l.add(msg) }
func (l *mockLogger) Warn(msg string, args ...interface{})  { l.add(msg) }
func (l *mockLogger) Error(msg string, args ...interface{}) { l.add(msg) }
func (l *mockLogger) Debug(msg string, args ...interface{}) { l.add(msg) }

func (l *mockLogger) contains(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

// captureSender 记录提交的帧，与 Sender 一样拒绝超长帧
type captureSender struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	err    error
}

func (s *captureSender) Send(t protocol.FrameType, payload []byte) error {
	return s.SendFrame(&protocol.Frame{Type: t, Payload: payload})
}

func (s *captureSender) SendFrame(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if err := protocol.CheckFrameSize(f); err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSender) byType(t protocol.FrameType) []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range s.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// socketData 按提交顺序返回指定连接的 SocketDataInfo
func (s *captureSender) socketData(id uint64) []*protocol.SocketDataInfo {
	var out []*protocol.SocketDataInfo
	for _, f := range s.byType(protocol.FrameTypeSocketData) {
		info, err := protocol.UnmarshalSocketData(f.Payload)
		if err != nil {
			continue
		}
		if info.ConnectionID == id {
			out = append(out, info)
		}
	}
	return out
}

func (s *captureSender) countState(id uint64, state protocol.SocketState) int {
	n := 0
	for _, info := range s.socketData(id) {
		if info.State == state {
			n++
		}
	}
	return n
}

func socketFrame(id uint64, state protocol.SocketState, segment []byte) *protocol.Frame {
	return protocol.NewSocketDataFrame(id, state, segment)
}
