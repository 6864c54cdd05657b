package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/any-hub/csproxy/internal/config"
)

func TestInitLoggerDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerRejectsBadLevel(t *testing.T) {
	if _, err := InitLogger(config.GlobalConfig{LogLevel: "loud"}); err == nil {
		t.Fatalf("非法日志级别应返回错误")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 不受目录权限限制")
	}
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	logger, err := InitLogger(config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "csproxy.log"),
	})
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestInitLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "csproxy.log")
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "debug", LogFilePath: path, LogMaxSize: 1})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.WithField("origin", "main").Info("cache_ready")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"cache_ready"`) {
		t.Fatalf("日志文件缺少内容: %s", data)
	}
}

func TestServiceFieldAdded(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("first")
	logger.WithField(ServiceField, "custom").Info("second")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	want := []string{"csproxy/", "custom"}
	for i, line := range lines {
		var payload map[string]any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			t.Fatalf("非 JSON 输出: %v", err)
		}
		got, _ := payload[ServiceField].(string)
		if !strings.HasPrefix(got, want[i]) {
			t.Fatalf("line %d: service=%q, want prefix %q", i, got, want[i])
		}
	}
}
