package protocol

import (
	"errors"
	"fmt"
)

// 错误码常量
const (
	// 成功
	ErrCodeSuccess = 0

	// 帧错误 (400xx)，会话级致命错误
	ErrCodeBadStart         = 40001 // 起始标记错误
	ErrCodeBadMagic         = 40002 // 魔数错误
	ErrCodeFrameTooLarge    = 40003 // 帧超过最大长度
	ErrCodeTruncated        = 40004 // 帧被截断
	ErrCodeMalformedPayload = 40005 // 负载无法解析
	ErrCodeSequenceMismatch = 40006 // 序列号不连续

	// 认证错误 (401xx)
	ErrCodeUnauthorized = 40100 // 授权被拒绝

	// 注册错误 (409xx)
	ErrCodeRegistrationFailed = 40900 // 注册失败

	// 服务错误 (503xx)
	ErrCodeHealthCheckTimeout = 50301 // 健康检查超时
	ErrCodeServiceUnavail     = 50302 // 服务不可用
)

// Error 隧道协议错误
type Error struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NewError 创建新错误
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WrapError 包装已有错误
func WrapError(code int, err error) *Error {
	return &Error{
		Code:    code,
		Message: err.Error(),
		Details: make(map[string]interface{}),
	}
}

// WithDetails 添加详细信息
func (e *Error) WithDetails(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// FramingError 帧解析失败
// 帧同步一旦丢失，后续字节都不可信，调用方必须终止整个会话
type FramingError struct {
	Code    int
	Message string
	Cause   error
}

// Error 实现 error 接口
func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error [%d] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *FramingError) Unwrap() error {
	return e.Cause
}

// NewFramingError 创建帧错误
func NewFramingError(code int, format string, args ...interface{}) *FramingError {
	return &FramingError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// wrapFramingError 用底层错误创建帧错误
func wrapFramingError(code int, cause error, msg string) *FramingError {
	return &FramingError{
		Code:    code,
		Message: fmt.Sprintf("%s: %v", msg, cause),
		Cause:   cause,
	}
}

// IsFramingError 判断错误链中是否包含帧错误
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// CodeOf 返回错误链中第一个协议错误的错误码，没有则返回 -1
func CodeOf(err error) int {
	var fe *FramingError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return -1
}
