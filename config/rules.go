package config

import (
	"fmt"

	"github.com/houzhh15/sdc-agent/policy"
)

// RulesFile 资源规则文件
type RulesFile struct {
	Rules []*policy.ResourceRule `yaml:"rules" json:"rules"`
}

// LoadRules 读取并校验资源规则文件（yaml 或 json）
func LoadRules(path string) ([]*policy.ResourceRule, error) {
	var file RulesFile
	if err := decodeFile(path, &file); err != nil {
		return nil, err
	}

	seen := make(map[int]struct{}, len(file.Rules))
	for _, r := range file.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule: %w", err)
		}
		if _, dup := seen[r.RuleNum]; dup {
			return nil, fmt.Errorf("duplicate rule_num %d", r.RuleNum)
		}
		seen[r.RuleNum] = struct{}{}
	}

	return file.Rules, nil
}
