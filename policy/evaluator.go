package policy

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Evaluator 判断一个规则是否放行目标 URL
type Evaluator interface {
	Evaluate(rule *ResourceRule, target *url.URL) (bool, error)
}

// DefaultEvaluator 默认评估器，按 URLMatch 分派
type DefaultEvaluator struct {
	patterns sync.Map // string -> *regexp.Regexp
}

// NewDefaultEvaluator 创建默认评估器
func NewDefaultEvaluator() *DefaultEvaluator {
	return &DefaultEvaluator{}
}

// Evaluate 评估规则
func (e *DefaultEvaluator) Evaluate(rule *ResourceRule, target *url.URL) (bool, error) {
	switch rule.URLMatch {
	case MatchURLExact:
		return e.evaluateExact(rule, target), nil
	case MatchRegex:
		return e.evaluateRegex(rule, target)
	case MatchHostPort, "":
		return e.evaluateHostPort(rule, target)
	default:
		return false, fmt.Errorf("unsupported url_match: %s", rule.URLMatch)
	}
}

// evaluateExact 完全相同的 URL
func (e *DefaultEvaluator) evaluateExact(rule *ResourceRule, target *url.URL) bool {
	return strings.TrimSpace(rule.URL) == target.String()
}

// evaluateHostPort scheme、主机、端口一致，且路径以规则路径开头
func (e *DefaultEvaluator) evaluateHostPort(rule *ResourceRule, target *url.URL) (bool, error) {
	ruleURL, err := url.Parse(strings.TrimSpace(rule.URL))
	if err != nil {
		return false, fmt.Errorf("parse rule url: %w", err)
	}
	if !strings.EqualFold(ruleURL.Scheme, target.Scheme) {
		return false, nil
	}
	if !strings.EqualFold(ruleURL.Hostname(), target.Hostname()) {
		return false, nil
	}
	if effectivePort(ruleURL) != effectivePort(target) {
		return false, nil
	}
	return strings.HasPrefix(target.EscapedPath(), ruleURL.EscapedPath()), nil
}

// evaluateRegex 规则 URL 作为正则匹配整个目标 URL
func (e *DefaultEvaluator) evaluateRegex(rule *ResourceRule, target *url.URL) (bool, error) {
	re, err := e.compile(rule.URL)
	if err != nil {
		return false, err
	}
	return re.MatchString(target.String()), nil
}

func (e *DefaultEvaluator) compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := e.patterns.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + strings.TrimSpace(pattern) + ")$")
	if err != nil {
		return nil, fmt.Errorf("compile rule pattern: %w", err)
	}
	e.patterns.Store(pattern, re)
	return re, nil
}

func effectivePort(u *url.URL) int {
	if p := u.Port(); p != "" {
		port, _ := strconv.Atoi(p)
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case SchemeHTTPS:
		return 443
	case SchemeHTTP:
		return 80
	}
	return 0
}
