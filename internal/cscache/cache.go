// Package cscache 在内容寻址存储之上实现 changeset 缓存：键为 (fingerprint, 容器版本)，
// 负责按键加锁、元数据 sidecar 的持久化以及命中/缺失/写入审计。
//
// 锁以 `<payload>.lck` 文件上的 flock 实现，跨进程生效。每个请求通过 Session
// 持有锁，请求结束时必须调用 ResetLocks。
package cscache

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/metrics"
)

// 审计状态。
const (
	StatusHit   = "HIT"
	StatusMiss  = "MISS"
	StatusWrite = "WRITE"
)

// Key 定位一个缓存条目。
type Key struct {
	Fingerprint string
	Version     changeset.Version
}

func (k Key) String() string {
	return k.Fingerprint + "-" + k.Version.String()
}

func (k Key) payload() cache.Key {
	return cache.Key{Hash: k.Fingerprint, Suffix: "-" + k.Version.String()}
}

func (k Key) sidecar() cache.Key {
	return cache.Key{Hash: k.Fingerprint, Suffix: "-" + k.Version.String() + ".data"}
}

// Options 控制缓存的可选行为。
type Options struct {
	// LockCap <= 0 时根据 RLIMIT_NOFILE 推导。
	LockCap int
	Logger  *logrus.Logger
	// Audit 为 nil 时关闭审计日志。
	Audit   *logrus.Logger
	Metrics *metrics.Metrics
}

// Cache 在多个 Session 之间共享，唯一的可变状态是锁预算。
type Cache struct {
	store   cache.Store
	budget  *lockBudget
	logger  *logrus.Logger
	audit   *logrus.Logger
	metrics *metrics.Metrics
}

// New 基于 store 构造 changeset 缓存。
func New(store cache.Store, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		store:   store,
		budget:  newLockBudget(opts.LockCap),
		logger:  logger,
		audit:   opts.Audit,
		metrics: opts.Metrics,
	}
}

// LockCap 返回生效的锁数量上限。
func (c *Cache) LockCap() int {
	return int(c.budget.capacity)
}

// Root 返回缓存根目录。
func (c *Cache) Root() string {
	return c.store.Root()
}

// PathFor 返回 key 对应的 payload 路径。
func (c *Cache) PathFor(key Key) (string, error) {
	return c.store.Path(key.payload())
}

// NewSession 为一次顶层请求创建锁会话。
func (c *Cache) NewSession() *Session {
	return &Session{
		cache: c,
		locks: make(map[Key]*heldLock),
	}
}

func (c *Cache) record(key Key, status string, fields logrus.Fields) {
	switch status {
	case StatusHit:
		c.metrics.CacheLookup(true)
	case StatusMiss:
		c.metrics.CacheLookup(false)
	}
	if c.audit == nil {
		return
	}
	entry := c.audit.WithFields(logrus.Fields{
		logging.AuditKeyField:    key.String(),
		logging.AuditStatusField: status,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info("")
}
