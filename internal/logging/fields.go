package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/domain/方法等字段，供 RPC 请求日志复用。
func RequestFields(origin, domain, method, authMode string, clientVersion int) logrus.Fields {
	return logrus.Fields{
		"origin":         origin,
		"domain":         domain,
		"method":         method,
		"auth_mode":      authMode,
		"client_version": clientVersion,
	}
}

// JobFields 描述一次 changeset 作业的处理结果。
func JobFields(job string, fingerprint string, cached bool, size int64) logrus.Fields {
	return logrus.Fields{
		"job":         job,
		"fingerprint": fingerprint,
		"cache_hit":   cached,
		"size":        size,
	}
}
