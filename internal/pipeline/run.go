package pipeline

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/cscache"
	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// maxLegacySize 是协议 < 44 的客户端可接收的单个 changeset 上限（2 GiB）。
const maxLegacySize = 0x80000000

// Request 描述一次 getChangeSet 调用。
type Request struct {
	Credential     origin.Credential
	ClientProtocol int
	// Desired 为 0 时由 ClientProtocol 推导。
	Desired  changeset.Version
	Jobs     []changeset.Job
	Flags    origin.Flags
	InfoOnly bool
	// NoWait 为 true 时查询缓存不加锁。进程内下游代理调用时使用：
	// 下游可能已持有同一键的锁并在等待本次结果。
	NoWait bool
}

// Result 是管道的输出。Infos 与请求作业顺序一致；其中不在缓存里的文件归
// Result 所有，必须通过 Manifest、Combine 或 Discard 之一交出或清理。
type Result struct {
	Protocol int
	Chain    negotiate.Chain
	Infos    []changeset.Info

	mu       sync.Mutex
	consumed bool
}

// jobState 记录单个作业在管道中的进度：info 对应 chain[level] 格式。
type jobState struct {
	index       int
	job         changeset.Job
	fingerprint string
	level       int
	info        *changeset.Info
	hit         bool
}

func (st *jobState) cacheable() bool {
	return st.fingerprint != ""
}

func (st *jobState) key(v changeset.Version) cscache.Key {
	return cscache.Key{Fingerprint: st.fingerprint, Version: v}
}

// run 是一次请求的可变状态，不跨请求共享。
type run struct {
	svc      *Service
	req      Request
	caller   origin.Caller
	session  *cscache.Session
	protocol int
	chain    negotiate.Chain
	scratch  map[string]struct{}
	logger   *logrus.Entry
}

// Run 执行完整的获取/缓存/转换流程。任何错误都会使整个请求失败，
// 已产生的临时文件会被清理，已提交的缓存条目保留。
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	caller, err := s.caller()
	if err != nil {
		return nil, err
	}
	// 协议由源仓库能力决定，客户端只决定期望的容器版本
	versions, err := caller.CheckVersion(ctx, req.Credential)
	if err != nil {
		return nil, err
	}
	if err := negotiate.CheckClient(req.ClientProtocol); err != nil {
		return nil, err
	}
	protocol, err := negotiate.OriginProtocol(versions, s.rt.Config.MaxProtocol)
	if err != nil {
		return nil, err
	}
	desired := req.Desired
	if !desired.Known() {
		desired = changeset.VersionForProtocol(req.ClientProtocol)
	}
	chain, err := s.deps.Negotiator.Plan(desired, protocol)
	if err != nil {
		return nil, err
	}

	fields := logging.RequestFields(s.rt.Config.Name, s.rt.Config.Domain, origin.MethodGetChangeSet,
		s.rt.Config.AuthMode(), req.ClientProtocol)
	fields["protocol"] = protocol
	fields["chain"] = chain.String()
	r := &run{
		svc:      s,
		req:      req,
		caller:   caller,
		session:  s.deps.Cache.NewSession(),
		protocol: protocol,
		chain:    chain,
		scratch:  make(map[string]struct{}),
		logger:   s.deps.Logger.WithFields(fields),
	}
	defer r.session.ResetLocks()

	infos, err := r.execute(ctx)
	if err != nil {
		r.cleanup()
		r.logger.WithError(err).WithField("elapsed_ms", time.Since(started).Milliseconds()).Error("changeset_failed")
		return nil, err
	}

	var total int64
	for _, info := range infos {
		total += info.Size
	}
	r.logger.WithFields(logrus.Fields{
		"jobs":       len(infos),
		"total_size": humanize.Bytes(uint64(total)),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("changeset_complete")

	result := &Result{Protocol: protocol, Chain: chain, Infos: infos}
	if req.InfoOnly {
		result.Discard()
	}
	return result, nil
}

func (r *run) execute(ctx context.Context) ([]changeset.Info, error) {
	jobs := r.req.Jobs
	fps, err := r.svc.deps.Resolver.Lookup(ctx, r.caller, r.req.Credential, r.protocol, jobs, r.req.Flags)
	if err != nil {
		return nil, err
	}

	states := make([]*jobState, len(jobs))
	for i, job := range jobs {
		states[i] = &jobState{index: i, job: job, fingerprint: fps[i]}
	}

	// 按指纹顺序加锁，多个请求之间不会互相等待成环
	ordered := append([]*jobState(nil), states...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].fingerprint < ordered[j].fingerprint
	})
	var misses []*jobState
	for _, st := range ordered {
		if !r.lookup(st) {
			misses = append(misses, st)
		}
	}
	// 缺失的作业按调用方顺序请求
	sort.Slice(misses, func(i, j int) bool { return misses[i].index < misses[j].index })

	if err := r.fetch(ctx, misses); err != nil {
		return nil, err
	}
	for _, st := range states {
		if err := r.downgrade(ctx, st); err != nil {
			return nil, err
		}
	}

	infos := make([]changeset.Info, len(states))
	for i, st := range states {
		info := *st.info
		info.RawSize = info.Size
		if err := checkSize(r.req.ClientProtocol, info.Size); err != nil {
			return nil, err
		}
		infos[i] = info
		r.logger.WithFields(logging.JobFields(st.job.String(), st.fingerprint, st.hit, info.Size)).Debug("changeset_job")
	}
	return infos, nil
}

// checkSize 拒绝旧协议客户端无法表示的超大 changeset。
func checkSize(clientProtocol int, size int64) error {
	if clientProtocol < negotiate.LargeSizeProtocol && size >= maxLegacySize {
		return rpcerr.New(rpcerr.KindInvalidClientVersion,
			"This version of the client does not support downloading changesets larger than 2 GiB. Please upgrade the client.")
	}
	return nil
}

// lookup 从期望版本向线路版本逐级查缓存，第一个命中即止；只有线路版本的查询加锁。
func (r *run) lookup(st *jobState) bool {
	if !st.cacheable() {
		return false
	}
	last := len(r.chain) - 1
	for level, v := range r.chain {
		info, ok := r.session.Get(st.key(v), level == last && !r.req.NoWait)
		if ok {
			st.level = level
			st.info = info
			st.hit = true
			return true
		}
	}
	return false
}

// downgrade 把作业从 chain[level] 逐步转换到期望版本。可缓存作业缓存每一步；
// 不可缓存作业只保留最新的临时文件。
func (r *run) downgrade(ctx context.Context, st *jobState) error {
	deps := r.svc.deps
	for st.level > 0 {
		from := r.chain[st.level]
		to := r.chain[st.level-1]
		out, _, err := deps.Converters.Convert(ctx, from, to, st.info.Path, deps.Scratch.Dir())
		if err != nil {
			return err
		}
		deps.Metrics.Conversion(from.String(), to.String())

		next := *st.info
		next.Version = to
		if st.cacheable() {
			path, err := r.commitFile(ctx, st.key(to), &next, out)
			if err != nil {
				return err
			}
			next.Path = path
			next.Cached = true
		} else {
			r.discard(st.info.Path)
			r.track(out)
			next.Path = out
			next.Cached = false
		}
		if next.Size, err = fileSize(next.Path); err != nil {
			return err
		}
		st.info = &next
		st.level--
	}
	return nil
}

// commitFile 把临时文件写入缓存并删除临时文件。
func (r *run) commitFile(ctx context.Context, key cscache.Key, info *changeset.Info, path string) (string, error) {
	defer os.Remove(path)
	size, err := fileSize(path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return r.session.Set(ctx, key, cscache.Value{Info: info, Source: f, ExpectedSize: size})
}

func (r *run) track(path string) {
	r.scratch[path] = struct{}{}
}

// discard 删除本次请求产生的临时文件；缓存中的文件不受影响。
func (r *run) discard(path string) {
	if _, ok := r.scratch[path]; !ok {
		return
	}
	delete(r.scratch, path)
	_ = os.Remove(path)
}

func (r *run) cleanup() {
	for path := range r.scratch {
		_ = os.Remove(path)
	}
	r.scratch = map[string]struct{}{}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
