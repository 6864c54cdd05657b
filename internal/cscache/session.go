package cscache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// Value 是 Set 的输入。ExpectedSize < 0 表示不校验字节数。
type Value struct {
	Info         *changeset.Info
	Source       io.Reader
	ExpectedSize int64
}

type heldLock struct {
	lock *fslock.Lock
	path string
}

// Session 记录一次请求持有的锁，不可跨请求复用。
type Session struct {
	cache *Cache

	mu    sync.Mutex
	locks map[Key]*heldLock
}

// Get 查找条目。shouldLock 为 true 且条目缺失时，阻塞获取该键的锁并在锁内复查；
// 仍缺失则保留锁返回 miss，由后续 Set 或 ResetLocks 释放。
// 只有刚成为锁持有者的调用方才会清理半提交或损坏的条目。
func (s *Session) Get(key Key, shouldLock bool) (*changeset.Info, bool) {
	if info, ok := s.load(key); ok {
		s.cache.record(key, StatusHit, nil)
		return info, true
	}
	if !shouldLock || s.holds(key) {
		s.cache.record(key, StatusMiss, nil)
		return nil, false
	}

	locked, err := s.acquire(key, true)
	if err != nil {
		s.cache.logger.WithFields(logrus.Fields{
			"action": "cache_lock",
			"key":    key.String(),
		}).WithError(err).Warn("lock failed, continuing unlocked")
	}
	if !locked {
		s.cache.record(key, StatusMiss, logrus.Fields{"unlocked": 1})
		return nil, false
	}

	if info, ok := s.load(key); ok {
		// 等锁期间其他请求已提交
		s.release(key)
		s.cache.record(key, StatusHit, logrus.Fields{"waited": 1})
		return info, true
	}
	s.dropBroken(key)
	s.cache.record(key, StatusMiss, nil)
	return nil, false
}

// Set 原子提交 payload 与 sidecar，返回 payload 路径。已持有的锁会被复用并在写入后释放；
// 未持有时只尝试非阻塞加锁，锁被他人持有则不加锁写入（rename 保证原子性），
// 避免与持锁等待本次结果的上游请求互相等待。
// 其他写入者先行提交时直接返回已有路径，同时耗尽 Source。
func (s *Session) Set(ctx context.Context, key Key, value Value) (string, error) {
	store := s.cache.store
	payloadPath, err := store.Path(key.payload())
	if err != nil {
		return "", err
	}

	held := s.holds(key)
	if !held {
		held, err = s.acquire(key, false)
		if err != nil {
			return "", fmt.Errorf("lock %s: %w", key, err)
		}
	}
	if held {
		defer s.release(key)
	}

	if store.Exists(key.payload()) && store.Exists(key.sidecar()) {
		if value.Source != nil {
			_, _ = io.Copy(io.Discard, value.Source)
		}
		s.cache.record(key, StatusHit, logrus.Fields{"race": 1})
		return payloadPath, nil
	}

	entry, err := store.Put(ctx, key.payload(), value.Source, cache.PutOptions{ExpectedSize: value.ExpectedSize})
	if err != nil {
		var mismatch *cache.SizeMismatchError
		if errors.As(err, &mismatch) {
			return "", rpcerr.Truncated(mismatch.Want, mismatch.Got)
		}
		return "", fmt.Errorf("write changeset %s: %w", key, err)
	}

	meta := changeset.Info{}
	if value.Info != nil {
		meta = *value.Info
	}
	meta.Size = entry.SizeBytes
	meta.Version = key.Version
	meta.Fingerprint = key.Fingerprint
	meta.Cached = false
	data, err := json.Marshal(meta)
	if err != nil {
		_ = store.Remove(ctx, key.payload())
		return "", fmt.Errorf("encode sidecar %s: %w", key, err)
	}
	if _, err := store.Put(ctx, key.sidecar(), bytes.NewReader(data), cache.PutOptions{ExpectedSize: int64(len(data))}); err != nil {
		_ = store.Remove(ctx, key.payload())
		return "", fmt.Errorf("write sidecar %s: %w", key, err)
	}

	s.cache.metrics.CacheWrite(entry.SizeBytes)
	s.cache.record(key, StatusWrite, logrus.Fields{"size": entry.SizeBytes})
	return entry.FilePath, nil
}

// ResetLocks 释放会话持有的全部锁，返回释放数量。
func (s *Session) ResetLocks() int {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.locks))
	for key := range s.locks {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		s.release(key)
	}
	return len(keys)
}

// Held 返回当前持有的锁数量。
func (s *Session) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Session) holds(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[key]
	return ok
}

// acquire 获取 key 的文件锁，wait 为 false 时不阻塞。
// 预算耗尽或（非阻塞时）锁已被占用时返回 false 且不报错。
func (s *Session) acquire(key Key, wait bool) (bool, error) {
	payloadPath, err := s.cache.store.Path(key.payload())
	if err != nil {
		return false, err
	}
	if !s.cache.budget.tryAcquire() {
		s.cache.metrics.LockDegraded()
		s.cache.logger.WithFields(logrus.Fields{
			"action":   "cache_lock",
			"key":      key.String(),
			"lock_cap": s.cache.budget.capacity,
		}).Warn("lock budget exhausted, continuing unlocked")
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), 0o755); err != nil {
		s.cache.budget.release()
		return false, err
	}
	lockPath := payloadPath + ".lck"
	lock := fslock.New(lockPath)
	if wait {
		err = lock.Lock()
	} else {
		err = lock.TryLock()
	}
	if err != nil {
		s.cache.budget.release()
		if errors.Is(err, fslock.ErrLocked) {
			s.cache.logger.WithFields(logrus.Fields{
				"action": "cache_lock",
				"key":    key.String(),
			}).Debug("lock busy, writing unlocked")
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	s.locks[key] = &heldLock{lock: lock, path: lockPath}
	s.mu.Unlock()
	s.cache.metrics.LocksHeld(1)
	return true, nil
}

func (s *Session) release(key Key) {
	s.mu.Lock()
	held, ok := s.locks[key]
	delete(s.locks, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := held.lock.Unlock(); err != nil {
		s.cache.logger.WithFields(logrus.Fields{
			"action": "cache_unlock",
			"path":   held.path,
		}).WithError(err).Warn("unlock failed")
	}
	s.cache.budget.release()
	s.cache.metrics.LocksHeld(-1)
}

// load 读取完整条目；任何读取错误都视为 miss。
func (s *Session) load(key Key) (*changeset.Info, bool) {
	store := s.cache.store
	if !store.Exists(key.payload()) || !store.Exists(key.sidecar()) {
		return nil, false
	}
	result, err := store.Get(context.Background(), key.sidecar())
	if err != nil {
		s.logReadError(key, err)
		return nil, false
	}
	var info changeset.Info
	err = json.NewDecoder(result.Reader).Decode(&info)
	result.Reader.Close()
	if err != nil {
		s.logReadError(key, err)
		return nil, false
	}
	payloadPath, err := store.Path(key.payload())
	if err != nil {
		s.logReadError(key, err)
		return nil, false
	}
	stat, err := os.Stat(payloadPath)
	if err != nil {
		s.logReadError(key, err)
		return nil, false
	}
	if stat.Size() != info.Size {
		s.logReadError(key, fmt.Errorf("payload size %d does not match sidecar size %d", stat.Size(), info.Size))
		return nil, false
	}
	info.Path = payloadPath
	info.Version = key.Version
	info.Fingerprint = key.Fingerprint
	info.Cached = true
	return &info, true
}

// dropBroken 删除 load 失败后残留的条目（半提交或 sidecar 损坏），调用方必须持有锁。
func (s *Session) dropBroken(key Key) {
	store := s.cache.store
	hasPayload := store.Exists(key.payload())
	hasSidecar := store.Exists(key.sidecar())
	if !hasPayload && !hasSidecar {
		return
	}
	s.cache.logger.WithFields(logrus.Fields{
		"action":  "cache_corrupt_entry",
		"key":     key.String(),
		"payload": hasPayload,
		"sidecar": hasSidecar,
	}).Warn("removing broken cache entry")
	ctx := context.Background()
	_ = store.Remove(ctx, key.payload())
	_ = store.Remove(ctx, key.sidecar())
}

func (s *Session) logReadError(key Key, err error) {
	s.cache.logger.WithFields(logrus.Fields{
		"action": "cache_read",
		"key":    key.String(),
	}).WithError(err).Warn("cache read failed, treating as miss")
}
