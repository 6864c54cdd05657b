package config

import "time"

// OriginRuntime 将 Origin 配置与全局参数合并，方便运行时快速取用。
type OriginRuntime struct {
	Config     OriginConfig
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

// BuildOriginRuntime 根据 Origin 配置和全局参数创建运行时描述。
func BuildOriginRuntime(cfg OriginConfig, global GlobalConfig) OriginRuntime {
	return OriginRuntime{
		Config:     cfg,
		Timeout:    global.UpstreamTimeout.DurationValue(),
		MaxRetries: global.MaxRetries,
		Backoff:    global.InitialBackoff.DurationValue(),
	}
}

// Local 报告该 Origin 是否由进程内另一个 Origin 应答。
func (r OriginRuntime) Local() bool {
	return r.Config.LocalTarget() != ""
}
