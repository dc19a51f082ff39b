package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditLogger 审计日志记录器接口
type AuditLogger interface {
	LogAdmission(ctx context.Context, event *AdmissionEvent) error
	LogConnection(ctx context.Context, event *ConnectionEvent) error
	LogSecurity(ctx context.Context, event *SecurityEvent) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error)
}

// DefaultRecentLimit FileAuditLogger 为 Query 保留的最近记录数
const DefaultRecentLimit = 1000

func admissionLog(event *AdmissionEvent) (*AuditLog, error) {
	if event == nil {
		return nil, fmt.Errorf("admission event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &AuditLog{
		ID:        uuid.NewString(),
		Timestamp: event.Timestamp,
		Kind:      KindAdmission,
		SessionID: event.SessionID,
		Action:    event.Result,
		Data:      event,
	}, nil
}

func connectionLog(event *ConnectionEvent) (*AuditLog, error) {
	if event == nil {
		return nil, fmt.Errorf("connection event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &AuditLog{
		ID:        uuid.NewString(),
		Timestamp: event.Timestamp,
		Kind:      KindConnection,
		SessionID: event.SessionID,
		Action:    event.Action,
		Data:      event,
	}, nil
}

func securityLog(event *SecurityEvent) (*AuditLog, error) {
	if event == nil {
		return nil, fmt.Errorf("security event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return &AuditLog{
		ID:        uuid.NewString(),
		Timestamp: event.Timestamp,
		Kind:      KindSecurity,
		SessionID: event.SessionID,
		Action:    string(event.EventType),
		Data:      event,
	}, nil
}

// FileAuditLogger 以 JSON 行写入审计日志
// 文件按大小轮转；Query 只覆盖内存中保留的最近记录
type FileAuditLogger struct {
	out    io.WriteCloser
	logger Logger
	mu     sync.Mutex
	recent []*AuditLog
	limit  int
}

// NewFileAuditLogger 创建文件审计日志记录器
func NewFileAuditLogger(outputPath string, logger Logger) (*FileAuditLogger, error) {
	w, err := NewRotatingWriter(outputPath, 100, 10, 90)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewWriterAuditLogger(w, logger), nil
}

// NewWriterAuditLogger 写入任意 WriteCloser
func NewWriterAuditLogger(w io.WriteCloser, logger Logger) *FileAuditLogger {
	if logger == nil {
		logger = Nop{}
	}
	return &FileAuditLogger{
		out:    w,
		logger: logger,
		limit:  DefaultRecentLimit,
	}
}

// LogAdmission 记录准入事件
func (a *FileAuditLogger) LogAdmission(ctx context.Context, event *AdmissionEvent) error {
	log, err := admissionLog(event)
	if err != nil {
		return err
	}
	return a.write(log)
}

// LogConnection 记录连接事件
func (a *FileAuditLogger) LogConnection(ctx context.Context, event *ConnectionEvent) error {
	log, err := connectionLog(event)
	if err != nil {
		return err
	}
	return a.write(log)
}

// LogSecurity 记录安全事件，同时写入结构化日志
func (a *FileAuditLogger) LogSecurity(ctx context.Context, event *SecurityEvent) error {
	log, err := securityLog(event)
	if err != nil {
		return err
	}
	a.logger.Warn("Security event",
		"event_type", event.EventType,
		"severity", event.Severity,
		"session_id", event.SessionID,
		"message", event.Message,
	)
	return a.write(log)
}

// Query 查询最近的审计日志
func (a *FileAuditLogger) Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var results []*AuditLog
	for _, log := range a.recent {
		if log.matches(filter) {
			results = append(results, log)
		}
	}
	return page(results, filter), nil
}

func page(results []*AuditLog, filter *AuditFilter) []*AuditLog {
	start := filter.Offset
	if start > len(results) {
		start = len(results)
	}
	end := len(results)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return results[start:end]
}

func (a *FileAuditLogger) write(log *AuditLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	a.recent = append(a.recent, log)
	if len(a.recent) > a.limit {
		a.recent = a.recent[len(a.recent)-a.limit:]
	}
	return nil
}

// Close 关闭审计日志记录器
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}

// auditDBModel 数据库模型（用于 GORM）
type auditDBModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Timestamp time.Time `gorm:"index"`
	Kind      string    `gorm:"index;size:16"`
	SessionID string    `gorm:"index;size:36"`
	Action    string    `gorm:"size:32"`
	DataJSON  string    `gorm:"type:text"`
}

func (auditDBModel) TableName() string {
	return "audit_logs"
}

// DBAuditSink 审计日志写入数据库，Query 可覆盖全部历史
type DBAuditSink struct {
	db     *gorm.DB
	logger Logger
}

// NewDBAuditSink 创建数据库审计记录器
func NewDBAuditSink(db *gorm.DB, logger Logger) (*DBAuditSink, error) {
	if err := db.AutoMigrate(&auditDBModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate audit table: %w", err)
	}
	if logger == nil {
		logger = Nop{}
	}
	return &DBAuditSink{db: db, logger: logger}, nil
}

// LogAdmission 记录准入事件
func (s *DBAuditSink) LogAdmission(ctx context.Context, event *AdmissionEvent) error {
	log, err := admissionLog(event)
	if err != nil {
		return err
	}
	return s.insert(ctx, log)
}

// LogConnection 记录连接事件
func (s *DBAuditSink) LogConnection(ctx context.Context, event *ConnectionEvent) error {
	log, err := connectionLog(event)
	if err != nil {
		return err
	}
	return s.insert(ctx, log)
}

// LogSecurity 记录安全事件
func (s *DBAuditSink) LogSecurity(ctx context.Context, event *SecurityEvent) error {
	log, err := securityLog(event)
	if err != nil {
		return err
	}
	s.logger.Warn("Security event",
		"event_type", event.EventType,
		"severity", event.Severity,
		"session_id", event.SessionID,
		"message", event.Message,
	)
	return s.insert(ctx, log)
}

func (s *DBAuditSink) insert(ctx context.Context, log *AuditLog) error {
	data, err := json.Marshal(log.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	model := &auditDBModel{
		ID:        log.ID,
		Timestamp: log.Timestamp,
		Kind:      log.Kind,
		SessionID: log.SessionID,
		Action:    log.Action,
		DataJSON:  string(data),
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Query 查询审计日志，按时间升序
// Data 以 json.RawMessage 返回
func (s *DBAuditSink) Query(ctx context.Context, filter *AuditFilter) ([]*AuditLog, error) {
	if filter == nil {
		filter = &AuditFilter{}
	}

	query := s.db.WithContext(ctx).Model(&auditDBModel{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if !filter.StartTime.IsZero() {
		query = query.Where("timestamp >= ?", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		query = query.Where("timestamp <= ?", filter.EndTime)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var models []auditDBModel
	if err := query.Order("timestamp").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	logs := make([]*AuditLog, 0, len(models))
	for _, m := range models {
		logs = append(logs, &AuditLog{
			ID:        m.ID,
			Timestamp: m.Timestamp,
			Kind:      m.Kind,
			SessionID: m.SessionID,
			Action:    m.Action,
			Data:      json.RawMessage(m.DataJSON),
		})
	}
	return logs, nil
}
