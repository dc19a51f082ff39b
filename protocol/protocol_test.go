package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrCodeUnauthorized, "access denied")
	assert.Equal(t, "[40100] access denied", err.Error())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("connection refused")
	err := WrapError(ErrCodeServiceUnavail, originalErr)

	assert.Equal(t, ErrCodeServiceUnavail, err.Code)
	assert.Equal(t, originalErr.Error(), err.Message)
}

func TestError_WithDetails(t *testing.T) {
	err := NewError(ErrCodeRegistrationFailed, "rejected").
		WithDetails("agent_id", "agent-1").
		WithDetails("reason", "bad rules")

	assert.Equal(t, "agent-1", err.Details["agent_id"])
	assert.Equal(t, "bad rules", err.Details["reason"])
}

func TestFrameCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{"authorization", &Frame{Type: FrameTypeAuthorization, Sequence: 0, Payload: []byte("auth")}},
		{"no payload", &Frame{Type: FrameTypeHealthCheck, Sequence: 7}},
		{"large sequence", &Frame{Type: FrameTypeFetchReply, Sequence: 1<<63 + 5, Payload: []byte{0, 1, 2}}},
		{"socket data", NewSocketDataFrame(42, StateContinue, bytes.Repeat([]byte("x"), 65536))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := Encode(&buf, tt.frame)
			require.NoError(t, err)
			assert.Equal(t, buf.Len(), n)

			got, m, err := Decode(&buf)
			require.NoError(t, err)
			assert.Equal(t, n, m)
			assert.Equal(t, tt.frame, got)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestFrameCodec_HeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, &Frame{Type: FrameTypeSocketData, Sequence: 0x0102030405060708, Payload: []byte("p")})
	require.NoError(t, err)

	b := buf.Bytes()
	assert.Equal(t, byte('*'), b[0])
	assert.Equal(t, "beefcake", string(b[1:9]))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b[9:17])
	assert.Equal(t, 21, HeaderSize)
	assert.Equal(t, len(b)-HeaderSize, int(b[20])|int(b[19])<<8|int(b[18])<<16|int(b[17])<<24)
}

func TestFrameCodec_Corruption(t *testing.T) {
	var good bytes.Buffer
	_, err := Encode(&good, &Frame{Type: FrameTypeHealthCheck, Sequence: 3, Payload: []byte("hc")})
	require.NoError(t, err)
	valid := good.Bytes()

	corrupt := func(mutate func([]byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return mutate(b)
	}

	tests := []struct {
		name string
		data []byte
		code int
	}{
		{"bad start", corrupt(func(b []byte) []byte { b[0] = '#'; return b }), ErrCodeBadStart},
		{"bad magic", corrupt(func(b []byte) []byte { b[3] = 'X'; return b }), ErrCodeBadMagic},
		{"truncated header", valid[:12], ErrCodeTruncated},
		{"truncated payload", valid[:len(valid)-1], ErrCodeTruncated},
		{"too large", corrupt(func(b []byte) []byte {
			b[17], b[18], b[19], b[20] = 0x00, 0x20, 0x00, 0x00
			return b
		}), ErrCodeFrameTooLarge},
		{"sequence mismatch", corrupt(func(b []byte) []byte { b[16] = 9; return b }), ErrCodeSequenceMismatch},
		{"garbage envelope", corrupt(func(b []byte) []byte {
			for i := HeaderSize; i < len(b); i++ {
				b[i] = 0xff
			}
			return b
		}), ErrCodeMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, err := Decode(bytes.NewReader(tt.data))
			require.Error(t, err)
			assert.Nil(t, f)
			assert.True(t, IsFramingError(err), "expected framing error, got %v", err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestDecode_CleanEOF(t *testing.T) {
	_, n, err := Decode(bytes.NewReader(nil))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, IsFramingError(err))
}

func TestEncode_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := Encode(&buf, &Frame{Type: FrameTypeSocketData, Payload: make([]byte, MaxFrameSize)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeFrameTooLarge, CodeOf(err))
	assert.Zero(t, buf.Len())
}

func TestCheckFrameSize(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr bool
	}{
		{"空负载", &Frame{Type: FrameTypeHealthCheck}, false},
		{"最大数据段", NewSocketDataFrame(math.MaxUint64, StateContinue, make([]byte, MaxSegmentSize)), false},
		{"超过最大帧", NewSocketDataFrame(1, StateContinue, make([]byte, MaxFrameSize)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFrameSize(tt.frame)
			if !tt.wantErr {
				require.NoError(t, err)
				// 最大序列号下仍可编码
				tt.frame.Sequence = math.MaxUint64
				_, err = AppendFrame(nil, tt.frame)
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, ErrCodeFrameTooLarge, CodeOf(err))
		})
	}
}

func TestSocketData_RoundTrip(t *testing.T) {
	tests := []*SocketDataInfo{
		{ConnectionID: 1, State: StateStart},
		{ConnectionID: 2, State: StateContinue, Segment: []byte("hello")},
		{ConnectionID: 1 << 40, State: StateClose},
	}
	for _, in := range tests {
		t.Run(in.State.String(), func(t *testing.T) {
			out, err := UnmarshalSocketData(MarshalSocketData(in))
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestSocketData_Invalid(t *testing.T) {
	tests := []struct {
		name string
		info *SocketDataInfo
	}{
		{"continue without segment", &SocketDataInfo{ConnectionID: 1, State: StateContinue}},
		{"close with segment", &SocketDataInfo{ConnectionID: 1, State: StateClose, Segment: []byte("x")}},
		{"unknown state", &SocketDataInfo{ConnectionID: 1, State: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalSocketData(MarshalSocketData(tt.info))
			require.Error(t, err)
			assert.True(t, IsFramingError(err))
		})
	}
}

func TestControlMessages(t *testing.T) {
	req := &RegistrationRequest{
		AgentID:         "agent-1",
		SocksServerPort: 1080,
		ResourceKeys:    []ResourceKey{{IP: "10.0.0.1", Port: 80, Key: 111}},
	}
	f, err := NewFrame(FrameTypeRegistration, req)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeRegistration, f.Type)

	var got RegistrationRequest
	require.NoError(t, Unmarshal(f.Payload, &got))
	assert.Equal(t, *req, got)

	err = Unmarshal([]byte{0xff, 0x00}, &got)
	assert.True(t, IsFramingError(err))
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "SOCKET_DATA", FrameTypeSocketData.String())
	assert.Equal(t, "FRAME_TYPE(99)", FrameType(99).String())
}
