package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有校验失败的根因，调用方可用 errors.Is 区分配置错误与 I/O 错误。
var ErrInvalidConfig = errors.New("invalid config")

// FieldError 指出出错的字段路径，例如 Global.LockCap 或 Origin[main].Upstream。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

func globalField(field string) string {
	return "Global." + field
}

// originField 生成 Origin[name].Field；名称缺失时为 Origin[].Field。
func originField(name, field string) string {
	return fmt.Sprintf("Origin[%s].%s", name, field)
}
