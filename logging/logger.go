// Package logging provides the structured logger and audit trail used across
// the agent.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 定义日志记录器接口
// fields 为 key/value 交替出现的参数
type Logger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
}

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format 日志格式
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// sink 同一输出的所有派生 logger 共享写锁
type sink struct {
	mu     sync.Mutex
	output io.Writer
	closer io.Closer
}

// DefaultLogger 默认日志记录器实现
type DefaultLogger struct {
	level  Level
	format Format
	sink   *sink
	bound  []interface{} // With 绑定的字段
}

// Config 日志配置
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text", "json"
	Output string // "stdout", "stderr", or file path

	// 以下仅对文件输出生效，由 lumberjack 轮转
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewLogger 创建新的日志记录器
func NewLogger(cfg *Config) (*DefaultLogger, error) {
	s := &sink{}
	switch cfg.Output {
	case "stdout", "":
		s.output = os.Stdout
	case "stderr":
		s.output = os.Stderr
	default:
		w, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, err
		}
		s.output = w
		s.closer = w
	}

	return &DefaultLogger{
		level:  parseLevel(cfg.Level),
		format: parseFormat(cfg.Format),
		sink:   s,
	}, nil
}

// NewWriterLogger 写入任意 io.Writer 的日志记录器
func NewWriterLogger(w io.Writer, level string, format string) *DefaultLogger {
	return &DefaultLogger{
		level:  parseLevel(level),
		format: parseFormat(format),
		sink:   &sink{output: w},
	}
}

// NewRotatingWriter 按大小轮转的文件输出
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*lumberjack.Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	// 提前创建文件，路径不可写时尽早报错
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		LocalTime:  true,
	}, nil
}

// With 返回附带固定字段的派生 logger
func (l *DefaultLogger) With(fields ...interface{}) *DefaultLogger {
	bound := make([]interface{}, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &DefaultLogger{
		level:  l.level,
		format: l.format,
		sink:   l.sink,
		bound:  bound,
	}
}

// Close 关闭文件输出
func (l *DefaultLogger) Close() error {
	if l.sink.closer != nil {
		return l.sink.closer.Close()
	}
	return nil
}

// parseLevel 解析日志级别字符串
func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// parseFormat 解析日志格式字符串
func parseFormat(s string) Format {
	if s == "json" {
		return FormatJSON
	}
	return FormatText
}

// log 内部日志记录方法
func (l *DefaultLogger) log(level Level, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}

	all := fields
	if len(l.bound) > 0 {
		all = append(append([]interface{}{}, l.bound...), fields...)
	}

	now := time.Now().Format(time.RFC3339)
	var line string
	if l.format == FormatJSON {
		entry := LogEntry{
			Timestamp: now,
			Level:     levelString(level),
			Message:   msg,
		}
		if len(all) > 0 {
			entry.Fields = make(map[string]interface{}, len(all)/2)
			for i := 0; i+1 < len(all); i += 2 {
				entry.Fields[fmt.Sprint(all[i])] = jsonValue(all[i+1])
			}
		}
		data, _ := json.Marshal(entry)
		line = string(data)
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", now, levelString(level), msg)
		// 按传入顺序输出 key=value
		for i := 0; i+1 < len(all); i += 2 {
			fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
		}
		line = b.String()
	}

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.output, line)
	l.sink.mu.Unlock()
}

// jsonValue error 不能直接序列化
func jsonValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// levelString 将日志级别转换为字符串
func levelString(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Debug 记录调试级别日志
func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info 记录信息级别日志
func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn 记录警告级别日志
func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error 记录错误级别日志
func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.log(LevelError, msg, fields...)
}

// Nop 丢弃所有输出的 Logger
type Nop struct{}

func (Nop) Info(msg string, fields ...interface{})  {}
func (Nop) Warn(msg string, fields ...interface{})  {}
func (Nop) Error(msg string, fields ...interface{}) {}
func (Nop) Debug(msg string, fields ...interface{}) {}
