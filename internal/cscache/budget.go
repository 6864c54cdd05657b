package cscache

import (
	"golang.org/x/sync/semaphore"
)

const (
	// 为监听 socket、上游连接、日志文件等预留的描述符。
	reservedFDs     = 64
	defaultLockCap  = 256
	maxDerivedLocks = 1 << 16
)

// DeriveLockCap 根据文件描述符上限推导同时持有的锁数量。
func DeriveLockCap() int {
	limit, ok := fdLimit()
	if !ok {
		return defaultLockCap
	}
	return capFromLimit(limit)
}

func capFromLimit(limit uint64) int {
	if limit <= reservedFDs*2 {
		// 描述符很少时仍保留一半给锁。
		if limit/2 < 1 {
			return 1
		}
		return int(limit / 2)
	}
	avail := limit - reservedFDs
	if avail > maxDerivedLocks {
		return maxDerivedLocks
	}
	return int(avail)
}

// lockBudget 是进程内唯一的可变共享状态：限制同时打开的 .lck 文件数量。
type lockBudget struct {
	sem      *semaphore.Weighted
	capacity int64
}

func newLockBudget(capacity int) *lockBudget {
	if capacity <= 0 {
		capacity = DeriveLockCap()
	}
	return &lockBudget{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// tryAcquire 不阻塞；预算耗尽时调用方退化为无锁模式。
func (b *lockBudget) tryAcquire() bool {
	return b.sem.TryAcquire(1)
}

func (b *lockBudget) release() {
	b.sem.Release(1)
}
