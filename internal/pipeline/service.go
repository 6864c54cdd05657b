// Package pipeline 实现 changeset 获取管道：协商协议、查询指纹、按键加锁查缓存、
// 向源仓库批量获取缺失的 changeset、逐级转换格式并缓存每一步的产物。
//
// Service 同时实现 origin.Repository，因此一个代理可以作为另一个代理的进程内源仓库。
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/capsule"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/cscache"
	"github.com/any-hub/csproxy/internal/fingerprint"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/negotiate"
	"github.com/any-hub/csproxy/internal/origin"
)

// CallerSource 为 Origin 提供调用器，origin.Factory 实现该接口。
type CallerSource interface {
	ForOrigin(rt config.OriginRuntime) (origin.Caller, error)
}

// Deps 是所有 Service 共享的组件。
type Deps struct {
	Cache      *cscache.Cache
	Negotiator *negotiate.Negotiator
	Resolver   *fingerprint.Resolver
	Converters *changeset.Converters
	// Capsules 为 nil 或未配置索引服务时不做 capsule 重组。
	Capsules *capsule.Reassembler
	Scratch  cache.Scratch
	Callers  CallerSource
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

// Service 服务单个 Origin 的全部 changeset 请求，可并发使用。
type Service struct {
	rt   config.OriginRuntime
	deps Deps
}

// NewService 校验依赖并构造 Service。
func NewService(rt config.OriginRuntime, deps Deps) (*Service, error) {
	switch {
	case deps.Cache == nil:
		return nil, errors.New("pipeline: changeset cache required")
	case deps.Callers == nil:
		return nil, errors.New("pipeline: caller source required")
	case !deps.Scratch.Enabled():
		return nil, errors.New("pipeline: scratch dir required")
	}
	if deps.Negotiator == nil {
		deps.Negotiator = negotiate.New(negotiate.DefaultTable())
	}
	if deps.Resolver == nil {
		deps.Resolver = fingerprint.New(fingerprint.Options{Logger: deps.Logger, Metrics: deps.Metrics})
	}
	if deps.Converters == nil {
		deps.Converters = changeset.DefaultConverters()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Service{rt: rt, deps: deps}, nil
}

// Name 返回 Origin 名称。
func (s *Service) Name() string {
	return s.rt.Config.Name
}

// Runtime 返回 Origin 运行时配置。
func (s *Service) Runtime() config.OriginRuntime {
	return s.rt
}

func (s *Service) caller() (origin.Caller, error) {
	caller, err := s.deps.Callers.ForOrigin(s.rt)
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", s.rt.Config.Name, err)
	}
	return caller, nil
}

// CheckVersion 返回代理对该 Origin 宣称支持的协议版本。
func (s *Service) CheckVersion(ctx context.Context, cred origin.Credential) ([]int, error) {
	caller, err := s.caller()
	if err != nil {
		return nil, err
	}
	versions, err := caller.CheckVersion(ctx, cred)
	if err != nil {
		return nil, err
	}
	return negotiate.SupportedProtocols(versions, s.rt.Config.MaxProtocol), nil
}

// GetChangeSetFingerprints 以源仓库协议透传指纹查询，结果经过记忆缓存。
func (s *Service) GetChangeSetFingerprints(ctx context.Context, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) ([]string, error) {
	caller, err := s.caller()
	if err != nil {
		return nil, err
	}
	versions, err := caller.CheckVersion(ctx, cred)
	if err != nil {
		return nil, err
	}
	if err := negotiate.CheckClient(protocol); err != nil {
		return nil, err
	}
	wire, err := negotiate.OriginProtocol(versions, s.rt.Config.MaxProtocol)
	if err != nil {
		return nil, err
	}
	return s.deps.Resolver.Lookup(ctx, caller, cred, wire, jobs, flags)
}

// GetChangeSet 供进程内下游调用：执行管道后把结果拼接为一个临时文件，
// 以 file://localhost/ URL 返回，各 Info 的 RawSize 即其在拼接流中的长度。
func (s *Service) GetChangeSet(ctx context.Context, cred origin.Credential, req origin.ChangeSetRequest) (*origin.ChangeSetResult, error) {
	result, err := s.Run(ctx, Request{
		Credential:     cred,
		ClientProtocol: req.Protocol,
		Desired:        req.Version,
		Jobs:           req.Jobs,
		Flags:          req.Flags,
		NoWait:         true,
	})
	if err != nil {
		return nil, err
	}
	path, err := result.Combine(s.deps.Scratch.Dir())
	if err != nil {
		return nil, err
	}
	return &origin.ChangeSetResult{URL: origin.LocalURL(path), Infos: result.Infos}, nil
}
