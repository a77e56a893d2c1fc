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

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestRedaction_RedactMode 测试 redact 模式
func TestRedaction_RedactMode(t *testing.T) {
	policy := &RedactionPolicy{
		EntityRules: map[string][]FieldMask{
			"document": {
				{FieldPath: "physician", Mode: RedactionModeRedact},
			},
		},
	}

	engine := NewEngine(policy, nil)

	input := []byte(`{"physician":"Dr. Zhang","diagnosis":"benign"}`)
	output, err := engine.RedactData("document", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}

	var result map[string]interface{}
	json.Unmarshal(output, &result)

	if result["physician"] != "***REDACTED***" {
		t.Errorf("physician should be redacted, got: %v", result["physician"])
	}
	if result["diagnosis"] != "benign" {
		t.Error("diagnosis should not be redacted")
	}
}

// TestRedaction_HashMode 测试 hash 模式
func TestRedaction_HashMode(t *testing.T) {
	policy := &RedactionPolicy{
		EntityRules: map[string][]FieldMask{
			"image": {
				{FieldPath: "patient_id", Mode: RedactionModeHash, Salt: "test_salt"},
			},
		},
	}

	engine := NewEngine(policy, nil)

	input := []byte(`{"patient_id":"P001","stain":"HE"}`)
	output, err := engine.RedactData("image", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}

	var result map[string]interface{}
	json.Unmarshal(output, &result)

	hashValue, ok := result["patient_id"].(string)
	if !ok || !strings.HasPrefix(hashValue, "hash:") {
		t.Errorf("patient_id should be hashed, got: %v", result["patient_id"])
	}

	if result["stain"] != "HE" {
		t.Error("stain should not be redacted")
	}
}

// TestRedaction_RemoveMode 测试 remove 模式
func TestRedaction_RemoveMode(t *testing.T) {
	policy := &RedactionPolicy{
		EntityRules: map[string][]FieldMask{
			"document": {
				{FieldPath: "patient_name", Mode: RedactionModeRemove},
			},
		},
	}

	engine := NewEngine(policy, nil)

	input := []byte(`{"patient_name":"张三","document_type":"pathology_report"}`)
	output, err := engine.RedactData("document", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}

	var result map[string]interface{}
	json.Unmarshal(output, &result)

	if _, exists := result["patient_name"]; exists {
		t.Error("patient_name should be removed")
	}
	if result["document_type"] != "pathology_report" {
		t.Error("document_type should remain")
	}
}

// TestRedaction_NestedField 测试嵌套字段脱敏
func TestRedaction_NestedField(t *testing.T) {
	policy := &RedactionPolicy{
		EntityRules: map[string][]FieldMask{
			"document": {
				{FieldPath: "demographics.name", Mode: RedactionModeRedact},
			},
		},
	}

	engine := NewEngine(policy, nil)

	input := []byte(`{"demographics":{"name":"张三","age":45}}`)
	output, err := engine.RedactData("document", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}

	var result map[string]interface{}
	json.Unmarshal(output, &result)

	demographics := result["demographics"].(map[string]interface{})
	if demographics["name"] != "***REDACTED***" {
		t.Errorf("nested name should be redacted, got: %v", demographics["name"])
	}
	if demographics["age"] != float64(45) {
		t.Error("nested age should not be redacted")
	}
}

// TestRedaction_RedactMetadata 测试 map 级脱敏与全局规则
func TestRedaction_RedactMetadata(t *testing.T) {
	engine := NewEngine(DefaultPHIPolicy(), nil)

	meta := map[string]interface{}{
		"patient_id":   "P001",
		"patient_name": "张三",
		"demographics": map[string]interface{}{"age": 45},
		"diagnosis":    "invasive carcinoma",
	}
	engine.RedactMetadata("image", meta)

	pid, ok := meta["patient_id"].(string)
	if !ok || !strings.HasPrefix(pid, "hash:") {
		t.Errorf("patient_id should be hashed, got: %v", meta["patient_id"])
	}
	if _, exists := meta["patient_name"]; exists {
		t.Error("patient_name should be removed")
	}
	if _, exists := meta["demographics"]; exists {
		t.Error("demographics should be removed")
	}
	if meta["diagnosis"] != "invasive carcinoma" {
		t.Error("diagnosis should remain")
	}
}

// TestRedaction_NilPolicy 无策略时原样返回
func TestRedaction_NilPolicy(t *testing.T) {
	engine := NewEngine(nil, nil)

	input := []byte(`{"patient_id":"P001"}`)
	output, err := engine.RedactData("image", input)
	if err != nil {
		t.Fatalf("redaction failed: %v", err)
	}
	if string(output) != string(input) {
		t.Errorf("data should be unchanged, got: %s", output)
	}
}
