// Package fingerprint 向源仓库批量获取作业指纹，并以短 TTL 的 LRU 记忆结果。
// 空指纹表示该作业不可缓存。
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// Options 控制记忆缓存；MemoSize 或 TTL 为 0 时关闭记忆。
type Options struct {
	MemoSize int
	TTL      time.Duration
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Resolver 可在多个请求间共享。
type Resolver struct {
	memo    *expirable.LRU[string, []string]
	group   singleflight.Group
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// New 构造 Resolver。
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Resolver{logger: logger, metrics: opts.Metrics}
	if opts.MemoSize > 0 && opts.TTL > 0 {
		r.memo = expirable.NewLRU[string, []string](opts.MemoSize, nil, opts.TTL)
	}
	return r
}

// Lookup 返回与 jobs 顺序一致的指纹列表。源仓库不支持指纹时返回全空列表。
func (r *Resolver) Lookup(ctx context.Context, caller origin.Caller, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	key, err := memoKey(caller.Endpoint(), cred, protocol, jobs, flags)
	if err != nil {
		return nil, err
	}
	if r.memo != nil {
		if cached, ok := r.memo.Get(key); ok {
			r.metrics.MemoLookup(true)
			return append([]string(nil), cached...), nil
		}
		r.metrics.MemoLookup(false)
	}

	// 合并后的调用不随首个调用方取消而失败，其余等待者仍需要结果
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.fetch(shared, caller, cred, protocol, jobs, flags, key)
	})
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

func (r *Resolver) fetch(ctx context.Context, caller origin.Caller, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags, key string) ([]string, error) {
	fps, err := caller.GetChangeSetFingerprints(ctx, cred, protocol, jobs, flags)
	if rpcerr.IsKind(err, rpcerr.KindMethodNotSupported) {
		r.logger.WithFields(logrus.Fields{
			"action": "fingerprint_lookup",
			"origin": caller.Endpoint(),
		}).Debug("origin does not support fingerprints, caching disabled")
		return make([]string, len(jobs)), nil
	}
	if err != nil {
		return nil, err
	}
	if len(fps) != len(jobs) {
		return nil, rpcerr.New(rpcerr.KindProxyError,
			"origin returned %d fingerprints for %d jobs", len(fps), len(jobs))
	}
	for i, fp := range fps {
		if fp == "" || cache.ValidHash(fp) {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"action":      "fingerprint_lookup",
			"origin":      caller.Endpoint(),
			"job":         jobs[i].String(),
			"fingerprint": fp,
		}).Warn("invalid fingerprint from origin, job treated as uncacheable")
		fps[i] = ""
	}
	if r.memo != nil {
		r.memo.Add(key, fps)
	}
	return fps, nil
}

type memoInput struct {
	Origin   string          `json:"origin"`
	Protocol int             `json:"protocol"`
	Jobs     []changeset.Job `json:"jobs"`
	Flags    origin.Flags    `json:"flags"`
}

// memoKey = 凭证身份 + sha256(源仓库、协议、作业列表与开关)。
func memoKey(endpoint string, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) (string, error) {
	raw, err := json.Marshal(memoInput{Origin: endpoint, Protocol: protocol, Jobs: jobs, Flags: flags})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return cred.Identity() + ":" + hex.EncodeToString(sum[:]), nil
}
