package policy

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync/atomic"
	"time"

	"github.com/houzhh15/sdc-agent/logging"
)

// Engine 规则引擎
// 持有按 RuleNum 排序的规则集，Match 按顺序返回第一个放行的规则
type Engine struct {
	rules     atomic.Pointer[[]*ResourceRule]
	storage   Storage   // 存储接口
	evaluator Evaluator // 评估接口
	logger    logging.Logger
}

// Config 引擎配置
type Config struct {
	Storage   Storage // 为空时使用 MemoryStorage
	Evaluator Evaluator
	Logger    logging.Logger
}

// NewEngine 创建规则引擎
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = NewDefaultEvaluator()
	}

	e := &Engine{
		storage:   cfg.Storage,
		evaluator: cfg.Evaluator,
		logger:    cfg.Logger,
	}
	empty := []*ResourceRule{}
	e.rules.Store(&empty)
	return e, nil
}

// FilterForAgent 保留属于 agentID 或 "all" 的规则，按 RuleNum 稳定排序
// 返回副本，AgentID 统一改写为 agentID
func FilterForAgent(rules []*ResourceRule, agentID string) []*ResourceRule {
	result := make([]*ResourceRule, 0, len(rules))
	for _, r := range rules {
		if r.AgentID != AgentAll && r.AgentID != agentID {
			continue
		}
		c := *r
		c.AgentID = agentID
		result = append(result, &c)
	}
	SortRules(result)
	return result
}

// SortRules 按 RuleNum 升序稳定排序
func SortRules(rules []*ResourceRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].RuleNum < rules[j].RuleNum
	})
}

// LoadRules 替换当前规则集并持久化
func (e *Engine) LoadRules(ctx context.Context, rules []*ResourceRule) error {
	sorted := make([]*ResourceRule, len(rules))
	copy(sorted, rules)
	SortRules(sorted)

	if err := e.storage.SaveRules(ctx, sorted); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	e.rules.Store(&sorted)

	e.logInfo("Rules loaded", "count", len(sorted))
	return nil
}

// Restore 从存储恢复上次保存的规则集
func (e *Engine) Restore(ctx context.Context, agentID string) (int, error) {
	rules, err := e.storage.QueryRules(ctx, &RuleFilter{AgentID: agentID})
	if err != nil {
		return 0, fmt.Errorf("query rules: %w", err)
	}
	SortRules(rules)
	e.rules.Store(&rules)

	e.logDebug("Rules restored", "agent_id", agentID, "count", len(rules))
	return len(rules), nil
}

// Rules 当前规则集（只读）
func (e *Engine) Rules() []*ResourceRule {
	return *e.rules.Load()
}

// Match 返回第一个放行 rawURL 的规则
func (e *Engine) Match(rawURL string) (*ResourceRule, bool) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, false
	}

	for _, rule := range *e.rules.Load() {
		ok, err := e.evaluator.Evaluate(rule, target)
		if err != nil {
			e.logError("Evaluate rule failed", "rule_num", rule.RuleNum, "error", err)
			continue
		}
		if ok {
			return rule, true
		}
	}
	return nil, false
}

// RecordRegistration 保存一次成功注册
func (e *Engine) RecordRegistration(ctx context.Context, agentID, status string) error {
	reg := &Registration{
		AgentID:       agentID,
		RuleCount:     len(e.Rules()),
		StatusMessage: status,
		RegisteredAt:  time.Now(),
	}
	if err := e.storage.SaveRegistration(ctx, reg); err != nil {
		return fmt.Errorf("record registration: %w", err)
	}
	return nil
}

// LastRegistration 最近一次注册记录
func (e *Engine) LastRegistration(ctx context.Context, agentID string) (*Registration, error) {
	return e.storage.LastRegistration(ctx, agentID)
}

// 日志辅助方法
func (e *Engine) logInfo(msg string, fields ...interface{}) {
	if e.logger != nil {
		e.logger.Info(msg, fields...)
	}
}

func (e *Engine) logDebug(msg string, fields ...interface{}) {
	if e.logger != nil {
		e.logger.Debug(msg, fields...)
	}
}

func (e *Engine) logError(msg string, fields ...interface{}) {
	if e.logger != nil {
		e.logger.Error(msg, fields...)
	}
}
