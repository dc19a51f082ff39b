package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SocketState 逻辑连接数据段状态
type SocketState int32

const (
	// StateStart 对端请求打开新的逻辑连接
	StateStart SocketState = 1
	// StateContinue 携带一段数据
	StateContinue SocketState = 2
	// StateClose 终止状态，之后该连接不再有 CONTINUE
	StateClose SocketState = 3
)

// String 返回状态名称
func (s SocketState) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateContinue:
		return "CONTINUE"
	case StateClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// SocketDataInfo SOCKET_DATA 帧负载
type SocketDataInfo struct {
	ConnectionID uint64
	State        SocketState
	Segment      []byte
}

const (
	socketFieldConnectionID protowire.Number = 1
	socketFieldState        protowire.Number = 2
	socketFieldSegment      protowire.Number = 3
)

// Validate 检查状态与数据段是否一致：仅 CONTINUE 携带数据
func (s *SocketDataInfo) Validate() error {
	switch s.State {
	case StateContinue:
		if len(s.Segment) == 0 {
			return fmt.Errorf("connection %d: CONTINUE without segment", s.ConnectionID)
		}
	case StateStart, StateClose:
		if len(s.Segment) != 0 {
			return fmt.Errorf("connection %d: %s must not carry a segment", s.ConnectionID, s.State)
		}
	default:
		return fmt.Errorf("connection %d: invalid state %d", s.ConnectionID, int32(s.State))
	}
	return nil
}

// MarshalSocketData 编码 SocketDataInfo
func MarshalSocketData(s *SocketDataInfo) []byte {
	b := make([]byte, 0, len(s.Segment)+16)
	b = protowire.AppendTag(b, socketFieldConnectionID, protowire.VarintType)
	b = protowire.AppendVarint(b, s.ConnectionID)
	b = protowire.AppendTag(b, socketFieldState, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.State))
	if len(s.Segment) > 0 {
		b = protowire.AppendTag(b, socketFieldSegment, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Segment)
	}
	return b
}

// UnmarshalSocketData 解码并校验 SocketDataInfo，失败返回 *FramingError
func UnmarshalSocketData(b []byte) (*SocketDataInfo, error) {
	s := &SocketDataInfo{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n), "socket data tag")
		}
		b = b[n:]
		switch {
		case num == socketFieldConnectionID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "connection id")
			}
			s.ConnectionID = v
			b = b[n:]
		case num == socketFieldState && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "socket state")
			}
			s.State = SocketState(v)
			b = b[n:]
		case num == socketFieldSegment && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "segment")
			}
			s.Segment = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), fmt.Sprintf("socket data field %d", num))
			}
			b = b[n:]
		}
	}
	if err := s.Validate(); err != nil {
		return nil, wrapFramingError(ErrCodeMalformedPayload, err, "invalid socket data")
	}
	return s, nil
}

// NewSocketDataFrame 构造 SOCKET_DATA 帧（序列号由发送方分配）
func NewSocketDataFrame(id uint64, state SocketState, segment []byte) *Frame {
	return &Frame{
		Type:    FrameTypeSocketData,
		Payload: MarshalSocketData(&SocketDataInfo{ConnectionID: id, State: state, Segment: segment}),
	}
}
