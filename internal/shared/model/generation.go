// Package model 定义核心数据模型
//
// generation.go 包含生成请求相关的数据模型定义：
//   - GenerationRequest：一次生成请求（不可变输入）
//   - SizeClass / ComplexityScore：复杂度评估结果
//   - ExecutionMode：执行模式枚举
package model

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// SizeClass - 规模等级
// ============================================================================

// SizeClass 表示请求的粗粒度规模等级
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// rank 返回等级的序数，用于比较（未知等级视为 small）
func (c SizeClass) rank() int {
	switch c {
	case SizeMedium:
		return 1
	case SizeLarge:
		return 2
	default:
		return 0
	}
}

// AtLeast 判断当前等级是否不低于 other
func (c SizeClass) AtLeast(other SizeClass) bool {
	return c.rank() >= other.rank()
}

// MaxSizeClass 返回两个等级中较高者
func MaxSizeClass(a, b SizeClass) SizeClass {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// ComplexityScore 复杂度评估结果
//
// 在准入时计算一次；执行过程中可基于运行时信号重新评估，但等级只升不降。
// 不做持久化，生命周期与单个请求一致。
type ComplexityScore struct {
	Score int       `json:"score"`
	Class SizeClass `json:"class"`
}

// ============================================================================
// ExecutionMode - 执行模式
// ============================================================================

// ExecutionMode 执行模式
//
// 每个请求在准入时选定一次，之后只允许 direct|segmented → async 的单向升级（最多一次）。
type ExecutionMode string

const (
	ModeDirect    ExecutionMode = "direct"
	ModeSegmented ExecutionMode = "segmented"
	ModeAsync     ExecutionMode = "async"
)

// ModeForClass 按规模等级选择执行模式
//
//	small → direct, medium → segmented, large → async
func ModeForClass(c SizeClass) ExecutionMode {
	switch c {
	case SizeMedium:
		return ModeSegmented
	case SizeLarge:
		return ModeAsync
	default:
		return ModeDirect
	}
}

// CanUpgradeTo 判断模式迁移是否合法（只允许升级到 async）
func (m ExecutionMode) CanUpgradeTo(next ExecutionMode) bool {
	return next == ModeAsync && (m == ModeDirect || m == ModeSegmented)
}

// ============================================================================
// GenerationRequest - 生成请求
// ============================================================================

// GenerationRequest 一次生成请求
//
// 在边界处创建，按值传递，创建后不再修改。
//
// 字段说明：
//   - RequestID：服务端分配的请求标识（仅用于日志关联）
//   - Owner：请求者身份（由认证子系统解析出的不透明字符串）
//   - Prompt：自然语言提示词
//   - Model：模型标识
//   - ConversationID：可选的会话标识
type GenerationRequest struct {
	RequestID      string `json:"request_id"`
	Owner          string `json:"owner"`
	Prompt         string `json:"prompt"`
	Model          string `json:"model"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// RequestLimits 请求校验参数
type RequestLimits struct {
	MaxPromptChars int      // 0 表示不限制
	AllowedModels  []string // 为空表示不限制
}

// Validate 校验请求格式
//
// 校验失败返回 KindValidation 错误，调用方应在调用任何 Provider 之前拒绝请求。
// 注意：空白提示词在评估器层面是合法输入（评为 small），拒绝与否属于这里的职责。
func (r GenerationRequest) Validate(limits RequestLimits) error {
	if r.Owner == "" {
		return NewValidationError("owner is required")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return NewValidationError("prompt is required")
	}
	if limits.MaxPromptChars > 0 && utf8.RuneCountInString(r.Prompt) > limits.MaxPromptChars {
		return NewValidationError(fmt.Sprintf("prompt exceeds %d characters", limits.MaxPromptChars))
	}
	if r.Model == "" {
		return NewValidationError("model is required")
	}
	if len(limits.AllowedModels) > 0 {
		allowed := false
		for _, m := range limits.AllowedModels {
			if m == r.Model {
				allowed = true
				break
			}
		}
		if !allowed {
			return NewValidationError(fmt.Sprintf("model %q is not supported", r.Model))
		}
	}
	return nil
}
