package logging

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/config"
)

// 审计日志固定字段。
const (
	AuditKeyField    = "key"
	AuditStatusField = "status"
)

// AuditFormatter 输出单行文本：`<timestamp> <key> <status> [k=v ...]`，其余字段按名称排序。
type AuditFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter。
func (f *AuditFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = time.RFC3339
	}
	var b bytes.Buffer
	b.WriteString(entry.Time.Format(layout))
	fmt.Fprintf(&b, " %v %v", entry.Data[AuditKeyField], entry.Data[AuditStatusField])

	extra := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == AuditKeyField || k == AuditStatusField {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// NewAuditLogger 为缓存命中/写入创建独立的审计日志；AuditLogPath 为空时返回 nil。
func NewAuditLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	if cfg.AuditLogPath == "" {
		return nil, nil
	}
	rotator, err := newRotator(cfg.AuditLogPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("审计日志不可用: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	logger.SetOutput(rotator)
	logger.SetFormatter(&AuditFormatter{})
	return logger, nil
}
