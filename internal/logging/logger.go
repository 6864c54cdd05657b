package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/version"
)

// ServiceField 标识日志来源进程，多个 csproxy 共用采集管道时用于区分。
const ServiceField = "service"

// InitLogger 构建主日志：JSON 格式，写入 LogFilePath（带轮转）或 stdout。
// 日志文件不可写时退回 stdout 并记录一条 logger_fallback 告警，不阻止启动。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	var (
		out     io.Writer = os.Stdout
		openErr error
	)
	if cfg.LogFilePath != "" {
		rotator, err := newRotator(cfg.LogFilePath, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", err)
			openErr = err
		} else {
			out = rotator
		}
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(newServiceHook())

	// 第三方库通过 logrus 标准 logger 打印时保持同样的格式与去向
	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if openErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(openErr.Error())
	}
	return logger, nil
}

// newRotator 为主日志与审计日志创建共享同一套轮转参数的 lumberjack Writer。
func newRotator(path string, cfg config.GlobalConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	// 提前打开一次，权限问题在启动时暴露而不是第一次写入时
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开日志文件失败: %w", err)
	}
	_ = f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// serviceHook 给每条日志补上 service 字段，调用方已显式设置时不覆盖。
type serviceHook struct {
	name string
}

func newServiceHook() *serviceHook {
	return &serviceHook{name: version.UserAgent()}
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data[ServiceField]; !ok {
		entry.Data[ServiceField] = h.name
	}
	return nil
}
