package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// 帧格式常量
//
//	[1 '*'][8 "beefcake"][8 sequence BE][4 length BE][envelope]
const (
	FrameStart   byte   = '*'
	Magic        string = "beefcake"
	HeaderSize          = 1 + len(Magic) + 8 + 4
	MaxFrameSize        = 1024 * 1024

	// MaxSegmentSize SOCKET_DATA 单帧可携带的最大数据段，预留信封与 SocketDataInfo 的字段开销
	MaxSegmentSize = MaxFrameSize - 64
)

var magicBytes = []byte(Magic)

// envelope 字段编号
const (
	envelopeFieldType     protowire.Number = 1
	envelopeFieldSequence protowire.Number = 2
	envelopeFieldPayload  protowire.Number = 3
)

// Encode 将帧编码后写入 w，返回写入的字节数
// 头部与信封在一次 Write 中写出
func Encode(w io.Writer, f *Frame) (int, error) {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)+24), f)
	if err != nil {
		return 0, err
	}
	return w.Write(buf)
}

// EnvelopeSize 帧信封编码后的字节数，序列号按最大 varint 计算
func EnvelopeSize(f *Frame) int {
	n := protowire.SizeTag(envelopeFieldType) + protowire.SizeVarint(uint64(f.Type))
	n += protowire.SizeTag(envelopeFieldSequence) + protowire.SizeVarint(math.MaxUint64)
	if len(f.Payload) > 0 {
		n += protowire.SizeTag(envelopeFieldPayload) + protowire.SizeBytes(len(f.Payload))
	}
	return n
}

// CheckFrameSize 帧无论分配到哪个序列号都能编码时返回 nil，否则返回 *FramingError
func CheckFrameSize(f *Frame) error {
	if size := EnvelopeSize(f); size > MaxFrameSize {
		return NewFramingError(ErrCodeFrameTooLarge, "%s frame envelope %d bytes exceeds max %d", f.Type, size, MaxFrameSize)
	}
	return nil
}

// AppendFrame 将帧编码追加到 b
func AppendFrame(b []byte, f *Frame) ([]byte, error) {
	env := marshalEnvelope(f)
	if len(env) > MaxFrameSize {
		return nil, NewFramingError(ErrCodeFrameTooLarge, "frame envelope %d bytes exceeds max %d", len(env), MaxFrameSize)
	}
	b = append(b, FrameStart)
	b = append(b, magicBytes...)
	b = binary.BigEndian.AppendUint64(b, f.Sequence)
	b = binary.BigEndian.AppendUint32(b, uint32(len(env)))
	return append(b, env...), nil
}

// Decode 从 r 读取并校验一个帧，返回帧及消耗的字节数
// 在读取首字节前遇到 EOF 时返回 io.EOF，其它任何失败都是 *FramingError
func Decode(r io.Reader) (*Frame, int, error) {
	var hdr [HeaderSize]byte
	n, err := io.ReadFull(r, hdr[:1])
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		return nil, n, wrapFramingError(ErrCodeTruncated, err, "read frame start")
	}
	if hdr[0] != FrameStart {
		return nil, n, NewFramingError(ErrCodeBadStart, "bad frame start 0x%02x", hdr[0])
	}

	m, err := io.ReadFull(r, hdr[1:1+len(Magic)])
	n += m
	if err != nil {
		return nil, n, wrapFramingError(ErrCodeTruncated, err, "read frame magic")
	}
	if !bytes.Equal(hdr[1:1+len(Magic)], magicBytes) {
		return nil, n, NewFramingError(ErrCodeBadMagic, "bad frame magic %q", hdr[1:1+len(Magic)])
	}

	m, err = io.ReadFull(r, hdr[1+len(Magic):])
	n += m
	if err != nil {
		return nil, n, wrapFramingError(ErrCodeTruncated, err, "read frame header")
	}
	seq := binary.BigEndian.Uint64(hdr[1+len(Magic):])
	length := binary.BigEndian.Uint32(hdr[HeaderSize-4:])
	if length > MaxFrameSize {
		return nil, n, NewFramingError(ErrCodeFrameTooLarge, "frame length %d exceeds max %d", length, MaxFrameSize)
	}

	env := make([]byte, length)
	m, err = io.ReadFull(r, env)
	n += m
	if err != nil {
		return nil, n, wrapFramingError(ErrCodeTruncated, err, "read frame envelope")
	}

	f, err := unmarshalEnvelope(env)
	if err != nil {
		return nil, n, err
	}
	if f.Sequence != seq {
		return nil, n, NewFramingError(ErrCodeSequenceMismatch,
			"envelope sequence %d does not match header sequence %d", f.Sequence, seq)
	}
	return f, n, nil
}

func marshalEnvelope(f *Frame) []byte {
	b := make([]byte, 0, len(f.Payload)+24)
	b = protowire.AppendTag(b, envelopeFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, envelopeFieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Sequence)
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, envelopeFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

func unmarshalEnvelope(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(protowire.ParseError(n), "envelope tag")
		}
		b = b[n:]
		switch {
		case num == envelopeFieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "envelope type")
			}
			f.Type = FrameType(v)
			b = b[n:]
		case num == envelopeFieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "envelope sequence")
			}
			f.Sequence = v
			b = b[n:]
		case num == envelopeFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), "envelope payload")
			}
			f.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(protowire.ParseError(n), fmt.Sprintf("envelope field %d", num))
			}
			b = b[n:]
		}
	}
	if f.Type == FrameTypeUnknown {
		return nil, NewFramingError(ErrCodeMalformedPayload, "envelope has no frame type")
	}
	return f, nil
}

func malformed(err error, what string) *FramingError {
	return wrapFramingError(ErrCodeMalformedPayload, err, "decode "+what)
}
