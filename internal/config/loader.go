package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是全局配置项的环境变量前缀，例如 CSPROXY_LOCKCAP=8 覆盖文件中的 LockCap。
const EnvPrefix = "CSPROXY"

// 全局字段默认值；同时决定哪些键可以被环境变量覆盖。
var globalDefaults = map[string]any{
	"ListenPort":          5000,
	"LogLevel":            "info",
	"LogFilePath":         "",
	"LogMaxSize":          100,
	"LogMaxBackups":       10,
	"LogCompress":         true,
	"CacheDir":            "./storage/changesets",
	"TmpDir":              "./storage/tmp",
	"AuditLogPath":        "",
	"LockCap":             0,
	"FingerprintTTL":      "60s",
	"FingerprintMemoSize": 4096,
	"MaxRetries":          3,
	"InitialBackoff":      "1s",
	"UpstreamTimeout":     "30s",
	"CapsuleIndexer":      "",
	"CapsuleConcurrency":  4,
}

// Origin 条目中不允许出现的键及原因。
var forbiddenOriginKeys = map[string]string{
	"Port":     "不支持该字段，请使用全局 ListenPort",
	"CacheDir": "缓存目录由所有 Origin 共享，请使用全局 CacheDir",
}

// Load 读取 TOML 配置：默认值 < 文件 < CSPROXY_* 环境变量，随后补齐派生默认值并校验。
// 通过校验后 CacheDir/TmpDir 会被转换为绝对路径。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for key, value := range globalDefaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	if err := rejectOriginKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []*string{&cfg.Global.CacheDir, &cfg.Global.TmpDir} {
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("无法解析目录 %s: %w", *dir, err)
		}
		*dir = abs
	}
	return &cfg, nil
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.TmpDir == "" && g.CacheDir != "" {
		g.TmpDir = filepath.Join(filepath.Dir(g.CacheDir), "tmp")
	}
	if g.FingerprintMemoSize == 0 {
		g.FingerprintMemoSize = 4096
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.CapsuleConcurrency == 0 {
		g.CapsuleConcurrency = 4
	}
	g.CapsuleIndexer = strings.TrimRight(strings.TrimSpace(g.CapsuleIndexer), "/")
}

func applyOriginDefaults(o *OriginConfig) {
	o.Name = strings.TrimSpace(o.Name)
	o.Domain = strings.ToLower(strings.TrimSpace(o.Domain))
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
	if o.MaxProtocol < 0 {
		o.MaxProtocol = 0
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		return parseDuration(data)
	}
}

// parseDuration 接受 "90s"/"1m30s" 形式或纯数字（按秒）。
func parseDuration(data interface{}) (Duration, error) {
	switch v := data.(type) {
	case Duration:
		return v, nil
	case time.Duration:
		return Duration(v), nil
	case int:
		return Duration(time.Duration(v) * time.Second), nil
	case int64:
		return Duration(time.Duration(v) * time.Second), nil
	case float64:
		return Duration(time.Duration(v * float64(time.Second))), nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return 0, nil
		}
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d), nil
		}
		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			return Duration(time.Duration(seconds * float64(time.Second))), nil
		}
		return 0, fmt.Errorf("无法解析 Duration 字段: %s", v)
	default:
		return 0, fmt.Errorf("不支持的 Duration 类型: %T", v)
	}
}

// rejectOriginKeys 在解码前检查原始 Origin 表，mapstructure 会静默忽略未知字段。
func rejectOriginKeys(v *viper.Viper) error {
	origins, ok := v.Get("Origin").([]interface{})
	if !ok {
		return nil
	}
	for idx, entry := range origins {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		name := fmt.Sprintf("#%d", idx)
		for key, value := range m {
			if strings.EqualFold(key, "Name") {
				if s, ok := value.(string); ok && s != "" {
					name = s
				}
			}
		}
		for key := range m {
			for forbidden, reason := range forbiddenOriginKeys {
				if strings.EqualFold(key, forbidden) {
					return newFieldError(originField(name, forbidden), reason)
				}
			}
		}
	}
	return nil
}
