package auth

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/protocol"
)

// keyMap 密钥 -> 授权的 host:port 集合
// 一个密钥可以授权多个 (ip, port)
type keyMap map[int64]map[string]struct{}

// KeyAuthority 资源密钥授权表
// 读取无锁；StoreSecretKeys 构建新表后整体替换，读方不会看到写了一半的表
type KeyAuthority struct {
	keys   atomic.Pointer[keyMap]
	logger logging.Logger
}

// NewKeyAuthority 创建空的授权表
func NewKeyAuthority(logger logging.Logger) *KeyAuthority {
	if logger == nil {
		logger = noopLogger{}
	}
	a := &KeyAuthority{logger: logger}
	empty := keyMap{}
	a.keys.Store(&empty)
	return a
}

// StoreSecretKeys 用 entries 整体替换当前授权表
func (a *KeyAuthority) StoreSecretKeys(entries []protocol.ResourceKey) {
	m := make(keyMap, len(entries))
	for _, e := range entries {
		targets, ok := m[e.Key]
		if !ok {
			targets = make(map[string]struct{})
			m[e.Key] = targets
		}
		targets[target(e.IP, e.Port)] = struct{}{}
	}
	a.keys.Store(&m)
	a.logger.Info("Resource keys stored", "keys", len(m), "entries", len(entries))
}

// CheckKeyIPPort 当且仅当 (key, ip, port) 三元组已登记时返回 true
func (a *KeyAuthority) CheckKeyIPPort(key int64, ip string, port int) bool {
	targets, ok := (*a.keys.Load())[key]
	if !ok {
		return false
	}
	_, ok = targets[target(ip, port)]
	return ok
}

// ContainsKey 密钥存在任意授权条目时返回 true
func (a *KeyAuthority) ContainsKey(key int64) bool {
	_, ok := (*a.keys.Load())[key]
	return ok
}

// Len 当前登记的密钥数
func (a *KeyAuthority) Len() int {
	return len(*a.keys.Load())
}

// ParseKey 解析十进制字符串形式的密钥（SOCKS 密码字段）
func ParseKey(s string) (int64, error) {
	key, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resource key: %w", err)
	}
	return key, nil
}

// FormatKey 将密钥格式化为十进制字符串
func FormatKey(key int64) string {
	return strconv.FormatInt(key, 10)
}

// target 主机名不区分大小写
func target(host string, port int) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))
}

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}
func (noopLogger) Debug(msg string, args ...interface{}) {}
