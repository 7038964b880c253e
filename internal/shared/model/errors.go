package model

import (
	"errors"
	"fmt"
)

// 通用哨兵错误，使用 errors.Is 判断
var (
	ErrNotFound = errors.New("not found")
	ErrNotOwned = errors.New("not owned by caller")
	ErrTerminal = errors.New("task is in terminal state")
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderFatal     ErrorKind = "provider_fatal"
	KindTimeout           ErrorKind = "timeout"
	KindNotFound          ErrorKind = "not_found"
	KindNotOwned          ErrorKind = "not_owned"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// GenError 生成流程中的分类错误
//
// Segment 为 1-based 的失败分段序号（非分段失败为 0）。
type GenError struct {
	Kind    ErrorKind
	Message string
	Segment int
	Err     error
}

func (e *GenError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Segment > 0 {
		msg += fmt.Sprintf(" (segment %d)", e.Segment)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenError) Unwrap() error {
	return e.Err
}

// Is 让 not_found / not_owned 分类错误与哨兵错误等价
func (e *GenError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNotOwned:
		return e.Kind == KindNotOwned
	}
	return false
}

// NewValidationError 创建校验错误
func NewValidationError(msg string) *GenError {
	return &GenError{Kind: KindValidation, Message: msg}
}

// NewTransientError 创建可重试的 Provider 错误
func NewTransientError(msg string, err error) *GenError {
	return &GenError{Kind: KindProviderTransient, Message: msg, Err: err}
}

// NewFatalError 创建不可重试的 Provider 错误
func NewFatalError(msg string, err error) *GenError {
	return &GenError{Kind: KindProviderFatal, Message: msg, Err: err}
}

// KindOf 提取错误分类，未分类的错误视为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ge *GenError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotOwned):
		return KindNotOwned
	}
	return KindInternal
}

// IsTransient 判断错误是否可重试
func IsTransient(err error) bool {
	return KindOf(err) == KindProviderTransient
}

// ToTaskError 将错误转换为可序列化的任务错误
func ToTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	te := &TaskError{Kind: KindOf(err), Message: err.Error()}
	var ge *GenError
	if errors.As(err, &ge) {
		te.Segment = ge.Segment
	}
	return te
}
