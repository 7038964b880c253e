// Package estimator 请求复杂度评估
//
// 评估是纯函数：相同的提示词与模型总是得到相同的分数，不访问任何外部状态，
// 耗时与提示词长度线性相关（关键词扫描最多 MaxScanChars 个字符）。
//
// 计分规则：
//
//	score = length + min(keywordBonus + featureBonus, CapMultiple × length)
//	score = score × modelWeight
//
// 等级：score < SmallThreshold 为 small，< LargeThreshold 为 medium，否则为 large。
package estimator

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"sitegen/internal/shared/model"
)

// Config 评估器配置
type Config struct {
	SmallThreshold int                `yaml:"small_threshold"` // T1
	LargeThreshold int                `yaml:"large_threshold"` // T2
	KeywordWeight  int                `yaml:"keyword_weight"`  // 每次范围关键词出现的加分
	FeatureWeight  int                `yaml:"feature_weight"`  // 每个不同 UI 功能名词的加分
	CapMultiple    int                `yaml:"cap_multiple"`    // 关键词加分不超过长度的倍数
	MaxScanChars   int                `yaml:"max_scan_chars"`  // 关键词扫描上限
	Keywords       []string           `yaml:"keywords"`
	Features       []string           `yaml:"features"`
	ModelWeights   map[string]float64 `yaml:"model_weights"`

	// 运行时重新评估
	RequestBudget time.Duration `yaml:"request_budget"` // 单请求耗时预算，超出即升级为 large
	SlowWindow    time.Duration `yaml:"slow_window"`    // 输出增长持续低于下限的时长，超出即升级为 large
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		SmallThreshold: 400,
		LargeThreshold: 1500,
		KeywordWeight:  120,
		FeatureWeight:  40,
		CapMultiple:    2,
		MaxScanChars:   20000,
		Keywords: []string{
			"platform", "system", "application", "dashboard", "full-stack", "fullstack",
			"multi-page", "multipage", "e-commerce", "ecommerce", "crm", "erp", "saas",
			"portal", "marketplace", "admin", "backend", "microservices", "complete", "entire",
		},
		Features: []string{
			"navbar", "navigation", "header", "footer", "sidebar", "form", "table", "chart",
			"modal", "login", "signup", "register", "cart", "checkout", "gallery", "carousel",
			"search", "profile", "settings", "pricing", "blog", "calendar", "map", "chat",
			"notification", "upload", "comments", "faq", "testimonials", "contact",
		},
		RequestBudget: 25 * time.Second,
		SlowWindow:    10 * time.Second,
	}
}

// RuntimeSignals 执行过程中采集的运行时信号
type RuntimeSignals struct {
	Elapsed     time.Duration // 自开始执行以来的耗时
	OutputChars int           // 已产生的输出字符数
	GrowthRate  float64       // 最近一个采样周期的输出增长速率（字符/秒）
	SlowFor     time.Duration // 增长速率持续低于下限的时长
}

// Estimator 复杂度评估器
type Estimator struct {
	cfg      Config
	keywords map[string]struct{}
	features map[string]struct{}
}

// New 创建评估器
func New(cfg Config) *Estimator {
	def := DefaultConfig()
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = def.SmallThreshold
	}
	if cfg.LargeThreshold <= cfg.SmallThreshold {
		cfg.LargeThreshold = cfg.SmallThreshold + (def.LargeThreshold - def.SmallThreshold)
	}
	if cfg.CapMultiple <= 0 {
		cfg.CapMultiple = def.CapMultiple
	}
	if cfg.MaxScanChars <= 0 {
		cfg.MaxScanChars = def.MaxScanChars
	}

	e := &Estimator{
		cfg:      cfg,
		keywords: make(map[string]struct{}, len(cfg.Keywords)),
		features: make(map[string]struct{}, len(cfg.Features)),
	}
	for _, k := range cfg.Keywords {
		e.keywords[strings.ToLower(k)] = struct{}{}
	}
	for _, f := range cfg.Features {
		e.features[strings.ToLower(f)] = struct{}{}
	}
	return e
}

// Config 返回生效的配置
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate 评估提示词复杂度
func (e *Estimator) Estimate(prompt, modelID string) model.ComplexityScore {
	if strings.TrimSpace(prompt) == "" {
		return model.ComplexityScore{Score: 0, Class: model.SizeSmall}
	}

	length := utf8.RuneCountInString(prompt)
	keywordHits, featureHits := e.scan(prompt)

	bonus := keywordHits*e.cfg.KeywordWeight + featureHits*e.cfg.FeatureWeight
	if limit := e.cfg.CapMultiple * length; bonus > limit {
		bonus = limit
	}

	score := length + bonus
	if w, ok := e.cfg.ModelWeights[modelID]; ok && w > 0 {
		score = int(float64(score) * w)
	}
	return model.ComplexityScore{Score: score, Class: e.Classify(score)}
}

// Classify 按阈值映射等级
func (e *Estimator) Classify(score int) model.SizeClass {
	switch {
	case score < e.cfg.SmallThreshold:
		return model.SizeSmall
	case score < e.cfg.LargeThreshold:
		return model.SizeMedium
	default:
		return model.SizeLarge
	}
}

// Reevaluate 根据运行时信号重新评估，只升不降
func (e *Estimator) Reevaluate(base model.ComplexityScore, s RuntimeSignals) model.ComplexityScore {
	over := e.cfg.RequestBudget > 0 && s.Elapsed >= e.cfg.RequestBudget
	slow := e.cfg.SlowWindow > 0 && s.SlowFor >= e.cfg.SlowWindow
	if !over && !slow {
		return base
	}
	out := base
	out.Class = model.MaxSizeClass(base.Class, model.SizeLarge)
	if out.Score < e.cfg.LargeThreshold {
		out.Score = e.cfg.LargeThreshold
	}
	return out
}

// scan 统计范围关键词出现次数与不同功能名词个数（整词、忽略大小写）
func (e *Estimator) scan(prompt string) (keywordHits, featureHits int) {
	text := truncateRunes(prompt, e.cfg.MaxScanChars)

	seen := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-")
		if w == "" {
			continue
		}
		if _, ok := e.keywords[w]; ok {
			keywordHits++
		}
		if _, ok := e.features[w]; ok {
			seen[w] = struct{}{}
		} else if _, ok := e.features[strings.TrimSuffix(w, "s")]; ok {
			seen[strings.TrimSuffix(w, "s")] = struct{}{}
		}
	}
	return keywordHits, len(seen)
}

// truncateRunes 截取前 n 个字符，不拆开多字节字符
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
