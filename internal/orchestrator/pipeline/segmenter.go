package pipeline

import (
	"strings"
	"unicode"

	"sitegen/internal/shared/model"
)

// Segment 分段生成中的一个有序子提示词（Index 从 1 开始）
type Segment struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

// Segmenter 确定性地把提示词切分为 Count 段
//
// 切分点优先落在换行之后，其次句末标点后的空白之后，再次任意空白之后，
// 都找不到时在理想位置硬切。所有分段按顺序拼接后与原提示词完全相同。
type Segmenter struct {
	Count int
}

// Split 切分提示词；字符数不足 Count 时分段数相应减少，空提示词返回单个分段
func (s Segmenter) Split(prompt string) []Segment {
	runes := []rune(prompt)
	n := s.Count
	if n > len(runes) {
		n = len(runes)
	}
	if n <= 1 || strings.TrimSpace(prompt) == "" {
		return []Segment{{Index: 1, Prompt: prompt}}
	}

	total := len(runes)
	window := total / (2 * n)
	cuts := make([]int, 0, n+1)
	cuts = append(cuts, 0)
	for k := 1; k < n; k++ {
		ideal := k * total / n
		lo := max(cuts[k-1]+1, ideal-window)
		hi := min(total-(n-k), ideal+window)
		cuts = append(cuts, bestCut(runes, lo, hi, ideal))
	}
	cuts = append(cuts, total)

	segs := make([]Segment, 0, n)
	for i := 0; i < n; i++ {
		segs = append(segs, Segment{Index: i + 1, Prompt: string(runes[cuts[i]:cuts[i+1]])})
	}
	return segs
}

// bestCut 在 [lo, hi] 中选择等级最高、离 ideal 最近的切分点
func bestCut(runes []rune, lo, hi, ideal int) int {
	ideal = min(max(ideal, lo), hi)
	best, bestRank, bestDist := ideal, cutRank(runes, ideal), 0
	for c := lo; c <= hi; c++ {
		r := cutRank(runes, c)
		d := c - ideal
		if d < 0 {
			d = -d
		}
		if r > bestRank || (r == bestRank && d < bestDist) {
			best, bestRank, bestDist = c, r, d
		}
	}
	return best
}

// cutRank 切分点 c（runes[c] 为下一段首字符）的等级
func cutRank(runes []rune, c int) int {
	if c <= 0 || c >= len(runes) {
		return 0
	}
	prev := runes[c-1]
	switch {
	case prev == '\n':
		return 3
	case unicode.IsSpace(prev) && c >= 2 && isSentenceEnd(runes[c-2]):
		return 2
	case isSentenceEnd(prev) && prev > unicode.MaxASCII:
		return 2
	case unicode.IsSpace(prev):
		return 1
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？', '；':
		return true
	}
	return false
}

// PlanFor 根据执行模式构造执行计划；分段在此时一次性确定
func PlanFor(mode model.ExecutionMode, req model.GenerationRequest, seg Segmenter) Plan {
	plan := Plan{Mode: mode, Model: req.Model}
	if mode == model.ModeSegmented {
		plan.Segments = seg.Split(req.Prompt)
	} else {
		plan.Segments = []Segment{{Index: 1, Prompt: req.Prompt}}
	}
	return plan
}

// ResumePlan 构造续写计划：整个提示词一次调用，已交付的输出作为上下文
func ResumePlan(prompt, modelID, delivered string) Plan {
	return Plan{
		Mode:     model.ModeDirect,
		Model:    modelID,
		Segments: []Segment{{Index: 1, Prompt: prompt}},
		Context:  delivered,
	}
}
