package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Storage 规则存储接口
// SaveRules 整体替换已保存的规则集
type Storage interface {
	SaveRules(ctx context.Context, rules []*ResourceRule) error
	QueryRules(ctx context.Context, filter *RuleFilter) ([]*ResourceRule, error)
	SaveRegistration(ctx context.Context, reg *Registration) error
	LastRegistration(ctx context.Context, agentID string) (*Registration, error)
}

// MemoryStorage 内存存储，进程退出即丢失
type MemoryStorage struct {
	mu            sync.RWMutex
	rules         []*ResourceRule
	registrations map[string]*Registration
}

// NewMemoryStorage 创建内存存储
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{registrations: make(map[string]*Registration)}
}

// SaveRules 保存规则
func (s *MemoryStorage) SaveRules(ctx context.Context, rules []*ResourceRule) error {
	copied := make([]*ResourceRule, len(rules))
	for i, r := range rules {
		c := *r
		copied[i] = &c
	}
	s.mu.Lock()
	s.rules = copied
	s.mu.Unlock()
	return nil
}

// QueryRules 查询规则
func (s *MemoryStorage) QueryRules(ctx context.Context, filter *RuleFilter) ([]*ResourceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ResourceRule, 0, len(s.rules))
	for _, r := range s.rules {
		if filter != nil && filter.AgentID != "" && r.AgentID != filter.AgentID && r.AgentID != AgentAll {
			continue
		}
		c := *r
		result = append(result, &c)
	}
	return result, nil
}

// SaveRegistration 保存注册记录
func (s *MemoryStorage) SaveRegistration(ctx context.Context, reg *Registration) error {
	c := *reg
	s.mu.Lock()
	s.registrations[reg.AgentID] = &c
	s.mu.Unlock()
	return nil
}

// LastRegistration 最近一次注册记录
func (s *MemoryStorage) LastRegistration(ctx context.Context, agentID string) (*Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[agentID]
	if !ok {
		return nil, fmt.Errorf("registration for %s: %w", agentID, ErrNotFound)
	}
	c := *reg
	return &c, nil
}

// ruleDBModel 数据库模型（用于 GORM）
type ruleDBModel struct {
	ID                 uint   `gorm:"primarykey"`
	RuleNum            int    `gorm:"index"`
	AgentID            string `gorm:"index"`
	Name               string
	ViewerEmailJSON    string `gorm:"type:text"` // JSON 序列化的邮箱列表
	AllowDomainViewers bool
	AppsJSON           string `gorm:"type:text"` // JSON 序列化的应用列表
	URL                string
	URLMatch           string
	HTTPProxyPort      int
	SocksServerPort    int
	SecretKey          int64
	CreatedAt          time.Time
}

func (ruleDBModel) TableName() string {
	return "resource_rules"
}

type registrationDBModel struct {
	ID            uint   `gorm:"primarykey"`
	AgentID       string `gorm:"index"`
	RuleCount     int
	StatusMessage string
	RegisteredAt  time.Time `gorm:"index"`
}

func (registrationDBModel) TableName() string {
	return "registrations"
}

// DBStorage 数据库存储实现
type DBStorage struct {
	db *gorm.DB
}

// NewDBStorage 创建数据库存储
func NewDBStorage(db *gorm.DB) (*DBStorage, error) {
	// 自动迁移
	if err := db.AutoMigrate(&ruleDBModel{}, &registrationDBModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate rule tables: %w", err)
	}

	return &DBStorage{db: db}, nil
}

// SaveRules 在一个事务内替换全部规则
func (s *DBStorage) SaveRules(ctx context.Context, rules []*ResourceRule) error {
	models := make([]*ruleDBModel, 0, len(rules))
	for _, r := range rules {
		m, err := s.toDBModel(r)
		if err != nil {
			return fmt.Errorf("convert rule %d: %w", r.RuleNum, err)
		}
		models = append(models, m)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ruleDBModel{}).Error; err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("save rules: %w", err)
		}
		return nil
	})
}

// QueryRules 查询规则，按 rule_num 排序
func (s *DBStorage) QueryRules(ctx context.Context, filter *RuleFilter) ([]*ResourceRule, error) {
	query := s.db.WithContext(ctx).Model(&ruleDBModel{})
	if filter != nil && filter.AgentID != "" {
		query = query.Where("agent_id = ? OR agent_id = ?", filter.AgentID, AgentAll)
	}

	var models []ruleDBModel
	if err := query.Order("rule_num").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	rules := make([]*ResourceRule, 0, len(models))
	for i := range models {
		r, err := s.fromDBModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("convert rule %d: %w", models[i].RuleNum, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// SaveRegistration 追加一条注册记录
func (s *DBStorage) SaveRegistration(ctx context.Context, reg *Registration) error {
	model := &registrationDBModel{
		AgentID:       reg.AgentID,
		RuleCount:     reg.RuleCount,
		StatusMessage: reg.StatusMessage,
		RegisteredAt:  reg.RegisteredAt,
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("save registration: %w", err)
	}
	return nil
}

// LastRegistration 最近一次注册记录
func (s *DBStorage) LastRegistration(ctx context.Context, agentID string) (*Registration, error) {
	var model registrationDBModel
	result := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("registered_at DESC, id DESC").
		First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("registration for %s: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get registration: %w", result.Error)
	}

	return &Registration{
		AgentID:       model.AgentID,
		RuleCount:     model.RuleCount,
		StatusMessage: model.StatusMessage,
		RegisteredAt:  model.RegisteredAt,
	}, nil
}

// toDBModel 转换为数据库模型
func (s *DBStorage) toDBModel(r *ResourceRule) (*ruleDBModel, error) {
	model := &ruleDBModel{
		RuleNum:            r.RuleNum,
		AgentID:            r.AgentID,
		Name:               r.Name,
		AllowDomainViewers: r.AllowDomainViewers,
		URL:                r.URL,
		URLMatch:           string(r.URLMatch),
		HTTPProxyPort:      r.HTTPProxyPort,
		SocksServerPort:    r.SocksServerPort,
		SecretKey:          r.SecretKey,
	}

	if len(r.ViewerEmail) > 0 {
		data, err := json.Marshal(r.ViewerEmail)
		if err != nil {
			return nil, fmt.Errorf("marshal viewer emails: %w", err)
		}
		model.ViewerEmailJSON = string(data)
	}

	if len(r.Apps) > 0 {
		data, err := json.Marshal(r.Apps)
		if err != nil {
			return nil, fmt.Errorf("marshal apps: %w", err)
		}
		model.AppsJSON = string(data)
	}

	return model, nil
}

// fromDBModel 从数据库模型转换
func (s *DBStorage) fromDBModel(model *ruleDBModel) (*ResourceRule, error) {
	r := &ResourceRule{
		RuleNum:            model.RuleNum,
		AgentID:            model.AgentID,
		Name:               model.Name,
		AllowDomainViewers: model.AllowDomainViewers,
		URL:                model.URL,
		URLMatch:           MatchKind(model.URLMatch),
		HTTPProxyPort:      model.HTTPProxyPort,
		SocksServerPort:    model.SocksServerPort,
		SecretKey:          model.SecretKey,
	}

	if model.ViewerEmailJSON != "" {
		if err := json.Unmarshal([]byte(model.ViewerEmailJSON), &r.ViewerEmail); err != nil {
			return nil, fmt.Errorf("unmarshal viewer emails: %w", err)
		}
	}

	if model.AppsJSON != "" {
		if err := json.Unmarshal([]byte(model.AppsJSON), &r.Apps); err != nil {
			return nil, fmt.Errorf("unmarshal apps: %w", err)
		}
	}

	return r, nil
}
