// Package rpcerr 定义面向客户端的结构化错误：机器可读的 Kind + 人类可读的 Message。
// 代理内部统一使用 fmt.Errorf 包装，只有需要透传给客户端的失败才转换为 *Error。
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind 是错误的机器可读类型，与源仓库 RPC 协议中的异常名保持一致。
type Kind string

const (
	KindInvalidClientVersion   Kind = "InvalidClientVersion"
	KindMethodNotSupported     Kind = "MethodNotSupported"
	KindRepositoryError        Kind = "RepositoryError"
	KindTroveMissing           Kind = "TroveMissing"
	KindInternalServerError    Kind = "InternalServerError"
	KindProxyError             Kind = "ProxyError"
	KindInsufficientPermission Kind = "InsufficientPermission"
)

// Error 表示一次 RPC 的结构化失败。
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New 构造指定类型的错误。
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind 判断 err 链中是否存在指定类型的 *Error。
func IsKind(err error, kind Kind) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind == kind
	}
	return false
}

// From 将任意错误转换为 *Error；非结构化错误归类为 InternalServerError。
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Kind: KindInternalServerError, Message: err.Error()}
}

// Retryable 报告错误是否值得在传输层重试；结构化错误一律不可重试。
func Retryable(err error) bool {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind == KindProxyError
	}
	return true
}

// Truncated 返回传输完整性错误，缓存层与管道在字节数不符时使用。
func Truncated(want, got int64) *Error {
	return New(KindRepositoryError, "Changeset was truncated in transit (expected %d bytes, got %d)", want, got)
}
