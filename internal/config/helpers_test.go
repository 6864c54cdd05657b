package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// writeConfig 把 TOML 内容写入临时目录，返回文件路径。
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// requireFieldError 断言 err 是指向 field 的 FieldError。
func requireFieldError(t *testing.T, err error, field string) {
	t.Helper()
	var fe FieldError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FieldError on %s, got %v", field, err)
	}
	if fe.Field != field {
		t.Fatalf("field = %s, want %s (%v)", fe.Field, field, err)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("FieldError 应可匹配 ErrInvalidConfig")
	}
}
