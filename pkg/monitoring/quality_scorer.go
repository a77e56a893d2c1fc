// Copyright 2026 fanjia1024
// Clinical metadata completeness scoring

package monitoring

import (
	"fmt"
	"math"
)

// 默认字段集：必填字段缺失会显著拉低评分
var (
	defaultRequiredFields    = []string{"patient_id", "study_id"}
	defaultRecommendedFields = []string{"diagnosis", "body_part", "image_type", "stain"}
)

// CompletenessScorer 临床元数据完整度评分器
type CompletenessScorer struct {
	required    []string
	recommended []string
}

// NewCompletenessScorer 创建评分器，使用默认字段集
func NewCompletenessScorer() *CompletenessScorer {
	return &CompletenessScorer{
		required:    defaultRequiredFields,
		recommended: defaultRecommendedFields,
	}
}

// WithRequired 覆盖必填字段集。
func (s *CompletenessScorer) WithRequired(fields ...string) *CompletenessScorer {
	s.required = fields
	return s
}

// WithRecommended 覆盖建议字段集。
func (s *CompletenessScorer) WithRecommended(fields ...string) *CompletenessScorer {
	s.recommended = fields
	return s
}

// QualityScore 完整度评分
type QualityScore struct {
	Overall         float64  `json:"overall"`
	Required        float64  `json:"required"`
	Recommended     float64  `json:"recommended"`
	MissingRequired []string `json:"missing_required,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ScoreMetadata 对一条临床元数据评分，0-100；必填字段占 70%
func (s *CompletenessScorer) ScoreMetadata(clinical map[string]interface{}) *QualityScore {
	requiredRate, missingRequired := coverage(clinical, s.required)
	recommendedRate, missingRecommended := coverage(clinical, s.recommended)

	overall := 0.70*requiredRate + 0.30*recommendedRate

	score := &QualityScore{
		Overall:         round1(overall),
		Required:        round1(requiredRate),
		Recommended:     round1(recommendedRate),
		MissingRequired: missingRequired,
	}
	for _, f := range missingRequired {
		score.Recommendations = append(score.Recommendations, fmt.Sprintf("补充必填字段 %s", f))
	}
	if len(missingRecommended) > 0 && recommendedRate < 50 {
		score.Recommendations = append(score.Recommendations, "补充诊断相关字段以改善检索效果")
	}
	return score
}

// coverage 返回存在且非空的字段占比（0-100）与缺失字段列表
func coverage(clinical map[string]interface{}, fields []string) (float64, []string) {
	if len(fields) == 0 {
		return 100, nil
	}
	present := 0
	var missing []string
	for _, f := range fields {
		if v, ok := clinical[f]; ok && v != nil && fmt.Sprint(v) != "" {
			present++
		} else {
			missing = append(missing, f)
		}
	}
	return 100 * float64(present) / float64(len(fields)), missing
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
