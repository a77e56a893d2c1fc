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

// Package textproc 临床文本预处理：规范化、分词、停用词过滤与关键词抽取
package textproc

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// 常见英文停用词；索引与检索共用同一份，保证打分一致
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {}, "this": {},
	"these": {}, "those": {}, "which": {}, "there": {}, "been": {}, "have": {},
	"had": {}, "not": {}, "no": {}, "but": {}, "if": {}, "than": {}, "then": {},
}

// 病理报告常见缩写标准化表
var medicalTerms = map[string]string{
	"bx":   "biopsy",
	"dx":   "diagnosis",
	"hx":   "history",
	"mets": "metastasis",
	"ca":   "carcinoma",
	"w/":   "with",
	"w/o":  "without",
}

var (
	multiSpaceRe  = regexp.MustCompile(`\s+`)
	specialCharRe = regexp.MustCompile(`[^\p{L}\p{N}\s\-/]`)
)

// Normalize 规范化文本：小写、去特殊字符、压缩空白、展开医学缩写
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = specialCharRe.ReplaceAllString(text, " ")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	words := strings.Split(text, " ")
	for i, w := range words {
		if std, ok := medicalTerms[w]; ok {
			words[i] = std
		}
	}
	return strings.Join(words, " ")
}

// Tokenize 按空白与标点切分为词元
func Tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// RemoveStopWords 过滤停用词与过短词元
func RemoveStopWords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if len(lower) < 2 {
			continue
		}
		if _, ok := stopWords[lower]; ok {
			continue
		}
		out = append(out, lower)
	}
	return out
}

// Keyword 关键词及其词频
type Keyword struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// ExtractKeywords 抽取词频 Top-N 关键词；topN<=0 使用默认 50
func ExtractKeywords(text string, topN int) []Keyword {
	if topN <= 0 {
		topN = 50
	}
	tokens := RemoveStopWords(Tokenize(Normalize(text)))
	freq := make(map[string]int)
	for _, tok := range tokens {
		freq[tok]++
	}
	keywords := make([]Keyword, 0, len(freq))
	for term, count := range freq {
		keywords = append(keywords, Keyword{Term: term, Count: count})
	}
	// 词频降序，同频按字典序保证稳定
	sort.Slice(keywords, func(i, j int) bool {
		if keywords[i].Count != keywords[j].Count {
			return keywords[i].Count > keywords[j].Count
		}
		return keywords[i].Term < keywords[j].Term
	})
	if len(keywords) > topN {
		keywords = keywords[:topN]
	}
	return keywords
}

// SplitSentences 按句边界切分（。！？.!? 后跟空白或结尾）
func SplitSentences(text string) []string {
	var sentences []string
	var buf strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		buf.WriteRune(r)
		if isSentenceEnd(r) {
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(buf.String()); s != "" {
					sentences = append(sentences, s)
				}
				buf.Reset()
			}
		}
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}
