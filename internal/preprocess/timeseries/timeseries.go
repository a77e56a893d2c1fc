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

// Package timeseries 生命体征时序预处理：清洗、去离群、重采样补齐、特征提取与异常检测
package timeseries

import (
	"math"
	"sort"
	"time"

	pkgerrors "pathology-platform/pkg/errors"
)

const (
	defaultOutlierThreshold = 3.0
	defaultIQRMultiplier    = 1.5
	defaultResampleInterval = time.Hour
)

// Sample 一个时间点的读数；血压含 systolic/diastolic 两个字段，其余类型用 value
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Series 按时间排列的读数序列
type Series []Sample

type fieldRange struct {
	Min, Max float64
}

// vitalRanges 各数据类型的生理合理区间，闭区间
var vitalRanges = map[string]map[string]fieldRange{
	"heart_rate":       {"value": {40, 180}},
	"blood_pressure":   {"systolic": {60, 200}, "diastolic": {40, 130}},
	"body_temperature": {"value": {35, 42}},
	"respiratory_rate": {"value": {10, 30}},
	"blood_glucose":    {"value": {3.9, 6.1}},
}

// Clean 按生理区间过滤读数，按时间排序，同一时间戳保留最后一条。
// 血压额外要求收缩压高于舒张压；未登记区间的数据类型只做排序与去重
func Clean(dataType string, s Series) Series {
	ranges := vitalRanges[dataType]
	filtered := make(Series, 0, len(s))
	for _, smp := range s {
		if !inRanges(smp.Values, ranges) {
			continue
		}
		if dataType == "blood_pressure" && smp.Values["systolic"] <= smp.Values["diastolic"] {
			continue
		}
		filtered = append(filtered, smp)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})
	out := filtered[:0]
	for _, smp := range filtered {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(smp.Timestamp) {
			out[len(out)-1] = smp
			continue
		}
		out = append(out, smp)
	}
	return out
}

func inRanges(values map[string]float64, ranges map[string]fieldRange) bool {
	for field, r := range ranges {
		v, ok := values[field]
		if !ok || v < r.Min || v > r.Max {
			return false
		}
	}
	return true
}

// RemoveOutliers 按 z-score 剔除离群读数；任一字段超阈值即丢弃整条。
// threshold <=0 使用默认 3
func RemoveOutliers(s Series, threshold float64) Series {
	if threshold <= 0 {
		threshold = defaultOutlierThreshold
	}
	stats := make(map[string][2]float64) // mean, std
	for field := range fieldSet(s) {
		ys := collect(s, field)
		m := meanOf(ys)
		stats[field] = [2]float64{m, stdOf(ys, m)}
	}
	out := make(Series, 0, len(s))
	for _, smp := range s {
		keep := true
		for field, v := range smp.Values {
			st := stats[field]
			if st[1] == 0 {
				continue
			}
			if math.Abs(v-st[0])/st[1] > threshold {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, smp)
		}
	}
	return out
}

// Resample 按 interval 对齐取均值；区间内无读数的桶保留空值，交给 Fill 补齐。
// interval <=0 使用默认 1h，入参需已按时间排序
func Resample(s Series, interval time.Duration) Series {
	if len(s) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultResampleInterval
	}
	type agg struct {
		sums   map[string]float64
		counts map[string]int
	}
	buckets := make(map[int64]*agg)
	start := s[0].Timestamp.Truncate(interval)
	end := start
	for _, smp := range s {
		bt := smp.Timestamp.Truncate(interval)
		if bt.Before(start) {
			start = bt
		}
		if bt.After(end) {
			end = bt
		}
		a := buckets[bt.UnixNano()]
		if a == nil {
			a = &agg{sums: make(map[string]float64), counts: make(map[string]int)}
			buckets[bt.UnixNano()] = a
		}
		for k, v := range smp.Values {
			a.sums[k] += v
			a.counts[k]++
		}
	}
	var out Series
	for t := start; !t.After(end); t = t.Add(interval) {
		vals := make(map[string]float64)
		if a := buckets[t.UnixNano()]; a != nil {
			for k, sum := range a.sums {
				vals[k] = sum / float64(a.counts[k])
			}
		}
		out = append(out, Sample{Timestamp: t, Values: vals})
	}
	return out
}

// Fill 补齐缺失字段：linear 按时间线性插值（首尾缺口取最近已知值），
// ffill 前向填充，bfill 后向填充，mean 用全序列均值
func Fill(s Series, method string) (Series, error) {
	switch method {
	case "linear", "ffill", "bfill", "mean":
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知补齐方法 %q", method)
	}
	out := make(Series, len(s))
	for i, smp := range s {
		vals := make(map[string]float64, len(smp.Values))
		for k, v := range smp.Values {
			vals[k] = v
		}
		out[i] = Sample{Timestamp: smp.Timestamp, Values: vals}
	}
	for field := range fieldSet(s) {
		var known []int
		for i := range s {
			if _, ok := s[i].Values[field]; ok {
				known = append(known, i)
			}
		}
		if len(known) == 0 {
			continue
		}
		switch method {
		case "mean":
			m := meanOf(collect(s, field))
			for i := range out {
				if _, ok := out[i].Values[field]; !ok {
					out[i].Values[field] = m
				}
			}
		case "ffill":
			var last float64
			have := false
			for i := range out {
				if v, ok := out[i].Values[field]; ok {
					last, have = v, true
				} else if have {
					out[i].Values[field] = last
				}
			}
		case "bfill":
			var next float64
			have := false
			for i := len(out) - 1; i >= 0; i-- {
				if v, ok := out[i].Values[field]; ok {
					next, have = v, true
				} else if have {
					out[i].Values[field] = next
				}
			}
		case "linear":
			fillLinear(out, field, known)
		}
	}
	return out, nil
}

// fillLinear 两个已知点之间按时间占比插值，首尾缺口取最近已知值
func fillLinear(out Series, field string, known []int) {
	k := 0
	for i := range out {
		if _, ok := out[i].Values[field]; ok {
			continue
		}
		for k+1 < len(known) && known[k+1] < i {
			k++
		}
		switch {
		case i < known[0]:
			out[i].Values[field] = out[known[0]].Values[field]
		case i > known[len(known)-1]:
			out[i].Values[field] = out[known[len(known)-1]].Values[field]
		default:
			p, n := known[k], known[k+1]
			pv := out[p].Values[field]
			nv := out[n].Values[field]
			span := out[n].Timestamp.Sub(out[p].Timestamp).Seconds()
			if span == 0 {
				out[i].Values[field] = pv
				continue
			}
			frac := out[i].Timestamp.Sub(out[p].Timestamp).Seconds() / span
			out[i].Values[field] = pv + frac*(nv-pv)
		}
	}
}

// Features 每个字段的统计特征：均值、中位数、标准差、极值、样本数、
// 线性趋势（斜率按小时、决定系数）与变异系数。血压序列补充脉压差与平均动脉压
func Features(s Series) map[string]map[string]float64 {
	feats := make(map[string]map[string]float64)
	if len(s) == 0 {
		return feats
	}
	base := s[0].Timestamp
	for field := range fieldSet(s) {
		xs, ys := collectXY(s, field, base)
		if len(ys) == 0 {
			continue
		}
		feats[field] = fieldStats(xs, ys)
	}
	if _, ok := feats["systolic"]; ok {
		if _, ok := feats["diastolic"]; ok {
			var xs, pp, mapv []float64
			for _, smp := range s {
				sv, ok1 := smp.Values["systolic"]
				dv, ok2 := smp.Values["diastolic"]
				if ok1 && ok2 {
					d := sv - dv
					xs = append(xs, smp.Timestamp.Sub(base).Hours())
					pp = append(pp, d)
					mapv = append(mapv, dv+d/3)
				}
			}
			if len(pp) > 0 {
				feats["pulse_pressure"] = fieldStats(xs, pp)
				feats["mean_arterial_pressure"] = fieldStats(xs, mapv)
			}
		}
	}
	return feats
}

func fieldStats(xs, ys []float64) map[string]float64 {
	m := meanOf(ys)
	sd := stdOf(ys, m)
	slope, r2 := linreg(xs, ys)
	st := map[string]float64{
		"mean":        m,
		"median":      medianOf(ys),
		"std":         sd,
		"min":         minOf(ys),
		"max":         maxOf(ys),
		"count":       float64(len(ys)),
		"trend_slope": slope,
		"trend_r2":    r2,
	}
	if m != 0 {
		st["cv"] = sd / math.Abs(m)
	}
	return st
}

// Anomaly 单条离群读数
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Field     string    `json:"field"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}

// DetectAnomalies 离群点检测。zscore 按标准分判定（threshold <=0 用 3），
// iqr 按四分位距判定（threshold <=0 用 1.5 倍 IQR），score 为越界程度
func DetectAnomalies(s Series, method string, threshold float64) ([]Anomaly, error) {
	var out []Anomaly
	fields := sortedFields(s)
	switch method {
	case "", "zscore":
		if threshold <= 0 {
			threshold = defaultOutlierThreshold
		}
		for _, field := range fields {
			ys := collect(s, field)
			m := meanOf(ys)
			sd := stdOf(ys, m)
			if sd == 0 {
				continue
			}
			for _, smp := range s {
				v, ok := smp.Values[field]
				if !ok {
					continue
				}
				z := math.Abs(v-m) / sd
				if z > threshold {
					out = append(out, Anomaly{Timestamp: smp.Timestamp, Field: field, Value: v, Score: z})
				}
			}
		}
	case "iqr":
		if threshold <= 0 {
			threshold = defaultIQRMultiplier
		}
		for _, field := range fields {
			ys := collect(s, field)
			sort.Float64s(ys)
			q1 := quantile(ys, 0.25)
			q3 := quantile(ys, 0.75)
			iqr := q3 - q1
			if iqr == 0 {
				continue
			}
			lo := q1 - threshold*iqr
			hi := q3 + threshold*iqr
			for _, smp := range s {
				v, ok := smp.Values[field]
				if !ok || (v >= lo && v <= hi) {
					continue
				}
				dist := lo - v
				if v > hi {
					dist = v - hi
				}
				out = append(out, Anomaly{Timestamp: smp.Timestamp, Field: field, Value: v, Score: dist / iqr})
			}
		}
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知异常检测方法 %q", method)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// QualityReport 序列质量评估
type QualityReport struct {
	Samples      int           `json:"samples"`
	MissingCells int           `json:"missing_cells"`
	Completeness float64       `json:"completeness"`
	Span         time.Duration `json:"span"`
}

// Quality 统计样本数、缺失单元与时间跨度；Completeness 为非缺失占比
func Quality(s Series) QualityReport {
	report := QualityReport{Samples: len(s)}
	if len(s) == 0 {
		return report
	}
	fields := fieldSet(s)
	total := len(s) * len(fields)
	for _, smp := range s {
		for field := range fields {
			if _, ok := smp.Values[field]; !ok {
				report.MissingCells++
			}
		}
	}
	if total > 0 {
		report.Completeness = 1 - float64(report.MissingCells)/float64(total)
	}
	report.Span = s[len(s)-1].Timestamp.Sub(s[0].Timestamp)
	return report
}

// Options 预处理流水线参数
type Options struct {
	Interval         time.Duration // 重采样间隔，<=0 使用默认 1h
	FillMethod       string        // linear | ffill | bfill | mean，空则 linear
	OutlierThreshold float64       // z-score 阈值，<=0 使用默认 3
}

// Result 流水线输出
type Result struct {
	Series   Series                        `json:"series"`
	Features map[string]map[string]float64 `json:"features"`
	Quality  QualityReport                 `json:"quality"`
}

// Process 完整流水线：清洗、去离群、重采样、补齐，输出特征与质量评估
func Process(dataType string, s Series, opts Options) (*Result, error) {
	if len(s) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "时序数据为空")
	}
	cleaned := Clean(dataType, s)
	if len(cleaned) == 0 {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "清洗后没有有效读数")
	}
	cleaned = RemoveOutliers(cleaned, opts.OutlierThreshold)
	resampled := Resample(cleaned, opts.Interval)
	method := opts.FillMethod
	if method == "" {
		method = "linear"
	}
	filled, err := Fill(resampled, method)
	if err != nil {
		return nil, err
	}
	return &Result{
		Series:   filled,
		Features: Features(filled),
		Quality:  Quality(filled),
	}, nil
}

func fieldSet(s Series) map[string]struct{} {
	fields := make(map[string]struct{})
	for _, smp := range s {
		for field := range smp.Values {
			fields[field] = struct{}{}
		}
	}
	return fields
}

func sortedFields(s Series) []string {
	set := fieldSet(s)
	fields := make([]string, 0, len(set))
	for field := range set {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func collect(s Series, field string) []float64 {
	var ys []float64
	for _, smp := range s {
		if v, ok := smp.Values[field]; ok {
			ys = append(ys, v)
		}
	}
	return ys
}

func collectXY(s Series, field string, base time.Time) (xs, ys []float64) {
	for _, smp := range s {
		if v, ok := smp.Values[field]; ok {
			xs = append(xs, smp.Timestamp.Sub(base).Hours())
			ys = append(ys, v)
		}
	}
	return xs, ys
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stdOf(v []float64, mean float64) float64 {
	if len(v) < 2 {
		return 0
	}
	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(v)))
}

func medianOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	cp := append([]float64(nil), v...)
	sort.Float64s(cp)
	mid := len(cp) / 2
	if len(cp)%2 == 0 {
		return (cp[mid-1] + cp[mid]) / 2
	}
	return cp[mid]
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// quantile 线性插值分位数，入参需已排序
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// linreg 最小二乘拟合，返回斜率与决定系数
func linreg(x, y []float64) (slope, r2 float64) {
	if len(x) < 2 {
		return 0, 0
	}
	n := float64(len(x))
	var sx, sy, sxx, sxy, syy float64
	for i := range x {
		sx += x[i]
		sy += y[i]
		sxx += x[i] * x[i]
		sxy += x[i] * y[i]
		syy += y[i] * y[i]
	}
	dx := n*sxx - sx*sx
	if dx == 0 {
		return 0, 0
	}
	slope = (n*sxy - sx*sy) / dx
	dy := n*syy - sy*sy
	if dy == 0 {
		return slope, 0
	}
	r := (n*sxy - sx*sy) / math.Sqrt(dx*dy)
	return slope, r * r
}
