package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// LocalScheme 标记进程内源仓库：Upstream = "origin://<name>" 表示由同进程内
// 另一个 Origin 的代理服务直接应答，不经过网络。
const LocalScheme = "origin"

// GlobalConfig 描述全局运行时行为，所有 Origin 共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	CacheDir            string   `mapstructure:"CacheDir"`
	TmpDir              string   `mapstructure:"TmpDir"`
	AuditLogPath        string   `mapstructure:"AuditLogPath"`
	LockCap             int      `mapstructure:"LockCap"`
	FingerprintTTL      Duration `mapstructure:"FingerprintTTL"`
	FingerprintMemoSize int      `mapstructure:"FingerprintMemoSize"`
	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	CapsuleIndexer      string   `mapstructure:"CapsuleIndexer"`
	CapsuleConcurrency  int      `mapstructure:"CapsuleConcurrency"`
}

// OriginConfig 决定单个源仓库如何与下游/上游交互。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	// MaxProtocol 限制与该源协商的最高协议版本，0 表示不限制。
	MaxProtocol int `mapstructure:"MaxProtocol"`
	// SingleJob 为 true 时即使源支持批量请求，也逐个作业获取 changeset。
	SingleJob bool `mapstructure:"SingleJob"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// HasCredentials 表示当前 Origin 是否配置了完整的上游凭证。
func (o OriginConfig) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (o OriginConfig) AuthMode() string {
	if o.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// LocalTarget 返回 origin://<name> 指向的 Origin 名称；非进程内源返回空串。
func (o OriginConfig) LocalTarget() string {
	parsed, err := url.Parse(o.Upstream)
	if err != nil || parsed.Scheme != LocalScheme {
		return ""
	}
	return parsed.Host
}

// CredentialModes 返回所有 Origin 的鉴权模式摘要，例如 main:credentialed。
func CredentialModes(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.AuthMode())
	}
	return result
}
