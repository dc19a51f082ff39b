package protocol

import "fmt"

// FrameType 帧类型
type FrameType int32

// 帧类型常量
const (
	FrameTypeUnknown       FrameType = 0
	FrameTypeAuthorization FrameType = 1
	FrameTypeRegistration  FrameType = 2
	FrameTypeHealthCheck   FrameType = 3
	FrameTypeSocketData    FrameType = 4
	FrameTypeFetchRequest  FrameType = 5
	FrameTypeFetchReply    FrameType = 6
)

// String 返回帧类型名称
func (t FrameType) String() string {
	switch t {
	case FrameTypeAuthorization:
		return "AUTHORIZATION"
	case FrameTypeRegistration:
		return "REGISTRATION"
	case FrameTypeHealthCheck:
		return "HEALTH_CHECK"
	case FrameTypeSocketData:
		return "SOCKET_DATA"
	case FrameTypeFetchRequest:
		return "FETCH_REQUEST"
	case FrameTypeFetchReply:
		return "FETCH_REPLY"
	default:
		return fmt.Sprintf("FRAME_TYPE(%d)", int32(t))
	}
}

// Frame 隧道上的一个多路复用消息
type Frame struct {
	Type     FrameType
	Sequence uint64
	Payload  []byte
}

// AuthResult 授权结果
type AuthResult int

const (
	AuthResultUnknown AuthResult = iota
	AuthResultOK
	AuthResultAccessDenied
	AuthResultServerError
)

// AuthorizationInfo 授权请求与响应共用的负载
type AuthorizationInfo struct {
	Email    string     `cbor:"1,keyasint,omitempty"`
	Password string     `cbor:"2,keyasint,omitempty"`
	Result   AuthResult `cbor:"3,keyasint,omitempty"`
}

// ResourceKey 资源密钥授权条目：一个密钥授权一个 (ip, port)
type ResourceKey struct {
	IP   string `cbor:"1,keyasint"`
	Port int    `cbor:"2,keyasint"`
	Key  int64  `cbor:"3,keyasint"`
}

// RegistrationRequest 注册请求
type RegistrationRequest struct {
	AgentID         string        `cbor:"1,keyasint"`
	SocksServerPort int           `cbor:"2,keyasint,omitempty"`
	HealthCheckPort int           `cbor:"3,keyasint,omitempty"`
	ResourcesConfig string        `cbor:"4,keyasint,omitempty"`
	ResourceKeys    []ResourceKey `cbor:"5,keyasint,omitempty"`
}

// RegistrationResult 注册结果
type RegistrationResult int

const (
	RegistrationResultUnknown RegistrationResult = iota
	RegistrationResultOK
	RegistrationResultError
)

// ServerSuppliedConf 服务端在注册响应中下发的运行参数
type ServerSuppliedConf struct {
	// HealthCheckInterval 心跳发送间隔（秒）
	HealthCheckInterval int `cbor:"1,keyasint,omitempty"`
	// HealthCheckTimeout 心跳超时（秒）
	HealthCheckTimeout int `cbor:"2,keyasint,omitempty"`
}

// RegistrationResponse 注册响应
type RegistrationResponse struct {
	Result        RegistrationResult  `cbor:"1,keyasint"`
	StatusMessage string              `cbor:"2,keyasint,omitempty"`
	ServerConf    *ServerSuppliedConf `cbor:"3,keyasint,omitempty"`
}

// HealthCheckType 心跳方向
type HealthCheckType int

const (
	HealthCheckRequest HealthCheckType = iota + 1
	HealthCheckResponse
)

// HealthCheckSource 心跳发起方
type HealthCheckSource int

const (
	SourceClient HealthCheckSource = iota + 1
	SourceServer
)

// HealthCheckInfo 心跳负载
type HealthCheckInfo struct {
	Type      HealthCheckType   `cbor:"1,keyasint"`
	Source    HealthCheckSource `cbor:"2,keyasint"`
	Timestamp int64             `cbor:"3,keyasint"` // unix 毫秒
}

// MessageHeader HTTP 头键值对
type MessageHeader struct {
	Key   string `cbor:"1,keyasint"`
	Value string `cbor:"2,keyasint"`
}

// FetchRequest 代理抓取请求
type FetchRequest struct {
	ID       string          `cbor:"1,keyasint"`
	Resource string          `cbor:"2,keyasint"`
	Strategy string          `cbor:"3,keyasint,omitempty"`
	Headers  []MessageHeader `cbor:"4,keyasint,omitempty"`
	Contents []byte          `cbor:"5,keyasint,omitempty"`
}

// FetchStatus 抓取结果状态
type FetchStatus int

const (
	FetchStatusOK                FetchStatus = 0
	FetchStatusBadRequest        FetchStatus = 1
	FetchStatusIOException       FetchStatus = 2
	FetchStatusStrategyException FetchStatus = 3
	FetchStatusAgentError        FetchStatus = 4
)

// FetchReply 代理抓取响应
type FetchReply struct {
	ID         string          `cbor:"1,keyasint"`
	Status     FetchStatus     `cbor:"2,keyasint"`
	HTTPStatus int             `cbor:"3,keyasint,omitempty"`
	Contents   []byte          `cbor:"4,keyasint,omitempty"`
	Headers    []MessageHeader `cbor:"5,keyasint,omitempty"`
	Latency    int64           `cbor:"6,keyasint,omitempty"` // 毫秒
}
