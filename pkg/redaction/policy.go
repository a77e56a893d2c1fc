// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package redaction

// RedactionPolicy 脱敏策略：按实体类型配置临床元数据中 PHI 字段的处理方式
type RedactionPolicy struct {
	EntityRules map[string][]FieldMask // entity_type (image/document) -> field masks
	GlobalRules []FieldMask            // 全局规则（应用于所有实体）
}

// FieldMask 字段掩码配置
type FieldMask struct {
	FieldPath string        // 字段路径 (e.g., "patient_id", "demographics.name")
	Mode      RedactionMode // 脱敏模式
	Salt      string        // Hash 模式的 salt（可选）
}

// RedactionMode 脱敏模式
type RedactionMode string

const (
	RedactionModeRedact  RedactionMode = "redact"  // 替换为 "***"
	RedactionModeHash    RedactionMode = "hash"    // 替换为 SHA256 hash
	RedactionModeEncrypt RedactionMode = "encrypt" // 加密（需要 key）
	RedactionModeRemove  RedactionMode = "remove"  // 完全移除字段
)

// PolicyConfig 脱敏策略配置（YAML）
type PolicyConfig struct {
	Enable   bool                 `yaml:"enable"`
	Policies []EntityPolicyConfig `yaml:"policies"`
}

// EntityPolicyConfig 单个实体类型的脱敏策略
type EntityPolicyConfig struct {
	EntityType string            `yaml:"entity_type"`
	Fields     []FieldMaskConfig `yaml:"fields"`
}

// FieldMaskConfig 字段掩码配置（YAML）
type FieldMaskConfig struct {
	Path string        `yaml:"path"`
	Mode RedactionMode `yaml:"mode"`
	Salt string        `yaml:"salt"`
}

// LoadPolicyFromConfig 从配置加载脱敏策略
func LoadPolicyFromConfig(config PolicyConfig) *RedactionPolicy {
	if !config.Enable {
		return nil
	}

	policy := &RedactionPolicy{
		EntityRules: make(map[string][]FieldMask),
		GlobalRules: []FieldMask{},
	}

	for _, entityPolicy := range config.Policies {
		masks := []FieldMask{}
		for _, fieldConfig := range entityPolicy.Fields {
			masks = append(masks, FieldMask{
				FieldPath: fieldConfig.Path,
				Mode:      fieldConfig.Mode,
				Salt:      fieldConfig.Salt,
			})
		}
		policy.EntityRules[entityPolicy.EntityType] = masks
	}

	return policy
}

// DefaultPHIPolicy 默认 PHI 脱敏策略：患者标识 hash、人口学信息移除
func DefaultPHIPolicy() *RedactionPolicy {
	return &RedactionPolicy{
		GlobalRules: []FieldMask{
			{FieldPath: "patient_id", Mode: RedactionModeHash},
			{FieldPath: "patient_name", Mode: RedactionModeRemove},
			{FieldPath: "demographics", Mode: RedactionModeRemove},
		},
	}
}
