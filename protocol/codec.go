package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// 控制消息（授权、注册、心跳、抓取）使用 CBOR 核心确定性编码
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder init: " + err.Error())
	}
	// 未知字段忽略，便于服务端扩展消息
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder init: " + err.Error())
	}
}

// Marshal 编码控制消息
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal 解码控制消息，失败返回 *FramingError
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return wrapFramingError(ErrCodeMalformedPayload, err, fmt.Sprintf("decode %T", v))
	}
	return nil
}

// NewFrame 编码控制消息并构造帧
func NewFrame(t FrameType, msg interface{}) (*Frame, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return &Frame{Type: t, Payload: payload}, nil
}
