// Package shutdown provides the coordinated teardown registry for long-running workers.
package shutdown

import (
	"fmt"
	"sync"

	"github.com/houzhh15/sdc-agent/logging"
)

// DefaultGroup 未指定分组时使用的分组名
const DefaultGroup = "__default__"

// Stoppable 可停止的组件；Stop 必须可重复调用
type Stoppable interface {
	Stop() error
}

// StopFunc 将普通函数适配为 Stoppable
type StopFunc func() error

// Stop 实现 Stoppable
func (f StopFunc) Stop() error {
	return f()
}

type hook struct {
	name string
	s    Stoppable
}

// Coordinator 关闭协调器
// 按分组登记关闭钩子；同一分组只会被拆除一次
type Coordinator struct {
	mu     sync.Mutex
	groups map[string][]hook
	order  []string
	logger logging.Logger
}

// NewCoordinator 创建关闭协调器
func NewCoordinator(logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{
		groups: make(map[string][]hook),
		logger: logger,
	}
}

// Register 在默认分组登记关闭钩子
func (c *Coordinator) Register(name string, s Stoppable) {
	c.RegisterGroup(DefaultGroup, name, s)
}

// RegisterGroup 在指定分组登记关闭钩子
func (c *Coordinator) RegisterGroup(group, name string, s Stoppable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[group]; !ok {
		c.order = append(c.order, group)
	}
	c.groups[group] = append(c.groups[group], hook{name: name, s: s})
}

// ShutdownGroup 依次停止分组内所有钩子并移除该分组
// 单个钩子失败或 panic 只记录日志，不影响其余钩子；分组不存在时不做任何事
func (c *Coordinator) ShutdownGroup(group string) {
	c.mu.Lock()
	hooks, ok := c.groups[group]
	delete(c.groups, group)
	for i, g := range c.order {
		if g == group {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.Info("Shutting down group", "group", group, "hooks", len(hooks))
	for _, h := range hooks {
		if err := c.stop(h); err != nil {
			c.logger.Error("Shutdown hook failed", "group", group, "name", h.name, "error", err)
		}
	}
}

// stop 调用单个钩子，panic 转换为错误
func (c *Coordinator) stop(h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stop: %v", r)
		}
	}()
	c.logger.Debug("Stopping", "name", h.name)
	return h.s.Stop()
}

// ShutdownAll 按登记顺序拆除所有分组
func (c *Coordinator) ShutdownAll() {
	c.mu.Lock()
	groups := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, g := range groups {
		c.ShutdownGroup(g)
	}
}

// Groups 返回当前登记的分组名
func (c *Coordinator) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

type noopLogger struct{}

func (noopLogger) Info(msg string, args ...interface{})  {}
func (noopLogger) Warn(msg string, args ...interface{})  {}
func (noopLogger) Error(msg string, args ...interface{}) {}
func (noopLogger) Debug(msg string, args ...interface{}) {}
