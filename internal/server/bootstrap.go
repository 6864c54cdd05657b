package server

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/capsule"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/cscache"
	"github.com/any-hub/csproxy/internal/fingerprint"
	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/pipeline"
)

// Runtime 汇总启动阶段构建的共享组件，所有请求复用同一份实例。
type Runtime struct {
	Registry *OriginRegistry
	Factory  *origin.Factory
	Cache    *cscache.Cache
	Metrics  *metrics.Metrics
	Scratch  cache.Scratch
}

// Bootstrap 按“磁盘缓存 → 审计日志 → 上游调用器 → 每个 Origin 的 Service”顺序构建运行时。
// m 为 nil 时创建新的指标集合。
func Bootstrap(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if m == nil {
		m = metrics.New()
	}

	store, err := cache.NewStore(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	scratch, err := cache.NewScratch(cfg.Global.TmpDir)
	if err != nil {
		return nil, fmt.Errorf("初始化临时目录失败: %w", err)
	}
	audit, err := logging.NewAuditLogger(cfg.Global)
	if err != nil {
		return nil, err
	}

	csCache := cscache.New(store, cscache.Options{
		LockCap: cfg.Global.LockCap,
		Logger:  logger,
		Audit:   audit,
		Metrics: m,
	})

	client := NewUpstreamClient(cfg)
	capsules, err := capsule.New(capsule.Options{
		Indexer:     cfg.Global.CapsuleIndexer,
		Concurrency: cfg.Global.CapsuleConcurrency,
		Client:      client,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		return nil, err
	}

	factory := origin.NewFactory(client, logger, m)
	deps := pipeline.Deps{
		Cache:      csCache,
		Negotiator: negotiate.New(negotiate.DefaultTable()),
		Resolver: fingerprint.New(fingerprint.Options{
			MemoSize: cfg.Global.FingerprintMemoSize,
			TTL:      cfg.Global.FingerprintTTL.DurationValue(),
			Logger:   logger,
			Metrics:  m,
		}),
		Converters: changeset.DefaultConverters(),
		Capsules:   capsules,
		Scratch:    scratch,
		Callers:    factory,
		Logger:     logger,
		Metrics:    m,
	}

	registry, err := NewOriginRegistry(cfg, deps, factory)
	if err != nil {
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}

	return &Runtime{
		Registry: registry,
		Factory:  factory,
		Cache:    csCache,
		Metrics:  m,
		Scratch:  scratch,
	}, nil
}
