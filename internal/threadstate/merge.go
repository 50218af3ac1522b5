// merge.go — 流式文本归并与 ticker 投影。
package threadstate

import (
	"strings"
	"unicode/utf8"
)

// tickerWidth ticker 投影最大宽度 (rune 数)。
const tickerWidth = 64

// 重叠扫描的 rune 窗口。短于 minMergeOverlap 的"重叠"大概率是
// 真增量恰好撞上缓冲尾部 (如 "Hel"+"lo"), 按增量追加;
// 微小的完整重复帧由后缀检查兜住。
const (
	minMergeOverlap = 24
	maxMergeOverlap = 400
)

// MergeStreamText 将一个流式增量归并进已有缓冲。
//
// bridge 的增量风格不稳定: 同一会话里可能混出纯增量、整段重发
// (cumulative) 和重叠重发。归并顺序:
//
//  1. 空增量: 原样返回 (幂等)。
//  2. 空缓冲: 直接采纳增量。
//  3. 缓冲以增量结尾: 重复帧, 丢弃。
//  4. 增量以缓冲为前缀: cumulative 重发, 整体替换。
//  5. 缓冲尾部与增量头部存在 >= minMergeOverlap rune 的重叠:
//     裁掉重叠追加其余。更短的命中不算重叠 (见常量注释)。
//  6. 都不是: 普通增量, 直接追加。
//
// 重叠比较按 rune 进行, 多字节字符不会被切成半个。
func MergeStreamText(prev, delta string) string {
	if delta == "" {
		return prev
	}
	if prev == "" {
		return delta
	}
	if strings.HasSuffix(prev, delta) {
		return prev
	}
	if strings.HasPrefix(delta, prev) {
		return delta
	}

	prevRunes := []rune(prev)
	deltaRunes := []rune(delta)
	limit := len(deltaRunes)
	if len(prevRunes) < limit {
		limit = len(prevRunes)
	}
	if limit > maxMergeOverlap {
		limit = maxMergeOverlap
	}
	for k := limit; k >= minMergeOverlap; k-- {
		if string(prevRunes[len(prevRunes)-k:]) == string(deltaRunes[:k]) {
			return prev + string(deltaRunes[k:])
		}
	}
	return prev + delta
}

// TickerProjection 从 reasoning 缓冲投影出有界的可见标题。
//
// 优先取第一个 **加粗** 段; 没有加粗段时压成单行截断。
// 完整缓冲只为找标题保留, 永远不直接外露。
func TickerProjection(buf string) string {
	if header := boldHeader(buf); header != "" {
		return header
	}
	return CompactOneLine(buf, tickerWidth)
}

// boldHeader 返回文本中第一个非空 **加粗** 段。
func boldHeader(text string) string {
	start := strings.Index(text, "**")
	if start < 0 {
		return ""
	}
	rest := text[start+2:]
	end := strings.Index(rest, "**")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// CompactOneLine 把多行文本压成单行并按 rune 截断。
func CompactOneLine(text string, maxRunes int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || utf8.RuneCountInString(compact) <= maxRunes {
		return compact
	}
	runes := []rune(compact)
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}
