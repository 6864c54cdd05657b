package main

import (
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("CSPROXY_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" || !opts.checkOnly {
		t.Fatalf("flag 应高于环境变量，得到 %+v", opts)
	}
}

func TestParseCLIFlagsDefault(t *testing.T) {
	t.Setenv("CSPROXY_CONFIG", "")
	opts, err := parseCLIFlags(nil)
	if err != nil || opts.configPath != "config.toml" {
		t.Fatalf("默认配置路径应为 config.toml, got %+v err=%v", opts, err)
	}
	if _, err := parseCLIFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("未知参数应报错")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	_, errBuf := useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture("missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(errBuf.String(), "加载配置失败") {
		t.Fatalf("stderr 应包含失败原因, got %q", errBuf.String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	outBuf, _ := useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	out := outBuf.String()
	if !strings.Contains(out, "csproxy") || !strings.Contains(out, "protocols 36-71") {
		t.Fatalf("version 输出缺少标识或协议范围: %q", out)
	}
}
