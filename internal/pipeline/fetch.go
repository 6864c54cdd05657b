package pipeline

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/cscache"
	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// fetch 向源仓库请求缺失的作业。源仓库支持批量时只发一次 getChangeSet，
// 否则逐个作业请求。
func (r *run) fetch(ctx context.Context, misses []*jobState) error {
	if len(misses) == 0 {
		return nil
	}
	var groups [][]*jobState
	if r.protocol >= negotiate.BatchProtocol && !r.svc.rt.Config.SingleJob {
		groups = [][]*jobState{misses}
	} else {
		for _, st := range misses {
			groups = append(groups, []*jobState{st})
		}
	}
	for _, group := range groups {
		if err := r.fetchGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) fetchGroup(ctx context.Context, group []*jobState) error {
	jobs := make([]changeset.Job, len(group))
	for i, st := range group {
		jobs[i] = st.job
	}
	wire := r.chain.Wire()
	result, err := r.caller.GetChangeSet(ctx, r.req.Credential, origin.ChangeSetRequest{
		Protocol: r.protocol,
		Jobs:     jobs,
		Flags:    r.req.Flags,
		Version:  wire,
	})
	if err != nil {
		return err
	}
	if len(result.Infos) != len(group) {
		return rpcerr.New(rpcerr.KindProxyError,
			"origin returned %d changeset infos for %d jobs", len(result.Infos), len(group))
	}

	body, length, err := r.caller.Opener().Open(ctx, result.URL, r.req.Credential)
	if err != nil {
		return err
	}
	defer body.Close()

	var total int64
	for _, info := range result.Infos {
		total += info.RawSize
	}
	if length >= 0 && length < total {
		return rpcerr.Truncated(total, length)
	}
	r.logger.WithFields(logrus.Fields{
		"action": "changeset_fetch",
		"jobs":   len(group),
		"bytes":  total,
	}).Debug("fetched changesets from origin")

	// 拼接流按 RawSize 切分，每段写完才能读下一段
	for i, st := range group {
		info := result.Infos[i]
		info.Version = wire
		info.Fingerprint = st.fingerprint
		if err := r.store(ctx, st, &info, io.LimitReader(body, info.RawSize)); err != nil {
			return err
		}
	}
	return nil
}

// store 持久化线路版本的 changeset：可缓存作业写入缓存（释放该键的锁），
// 不可缓存作业写入临时文件。启用 capsule 重组时先落盘改写再提交。
func (r *run) store(ctx context.Context, st *jobState, info *changeset.Info, src io.Reader) error {
	deps := r.svc.deps
	wire := r.chain.Wire()

	if deps.Capsules.Enabled() {
		path, err := r.reassemble(ctx, src, info.RawSize)
		if err != nil {
			return err
		}
		if st.cacheable() {
			if path, err = r.commitFile(ctx, st.key(wire), info, path); err != nil {
				return err
			}
			info.Cached = true
		} else {
			r.track(path)
			info.Cached = false
		}
		info.Path = path
	} else if st.cacheable() {
		path, err := r.session.Set(ctx, st.key(wire), cscache.Value{Info: info, Source: src, ExpectedSize: info.RawSize})
		if err != nil {
			return err
		}
		info.Path = path
		info.Cached = true
	} else {
		path, _, err := deps.Scratch.Create(ctx, src, info.RawSize)
		if err != nil {
			return sizeError(err)
		}
		r.track(path)
		info.Path = path
		info.Cached = false
	}

	size, err := fileSize(info.Path)
	if err != nil {
		return err
	}
	info.Size = size
	st.info = info
	st.level = len(r.chain) - 1
	deps.Metrics.OriginFetch(info.RawSize)
	return nil
}

// reassemble 把原始 changeset 写入临时文件并替换其中的 capsule 引用。
func (r *run) reassemble(ctx context.Context, src io.Reader, rawSize int64) (string, error) {
	deps := r.svc.deps
	raw, _, err := deps.Scratch.Create(ctx, src, rawSize)
	if err != nil {
		return "", sizeError(err)
	}
	out, n, err := deps.Capsules.Rewrite(ctx, raw, deps.Scratch.Dir())
	if err != nil {
		_ = os.Remove(raw)
		return "", err
	}
	if n > 0 {
		_ = os.Remove(raw)
		r.logger.WithField("capsule_entries", n).Debug("capsule references reassembled")
	}
	return out, nil
}

func sizeError(err error) error {
	var mismatch *cache.SizeMismatchError
	if errors.As(err, &mismatch) {
		return rpcerr.Truncated(mismatch.Want, mismatch.Got)
	}
	return err
}
