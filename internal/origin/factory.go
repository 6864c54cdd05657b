package origin

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// Factory 按 Origin 选择 Caller：origin:// 上游使用进程内 LocalCaller，
// 其余使用 NetworkCaller。Caller 在首次使用时创建并复用。
type Factory struct {
	client  *http.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	callers map[string]Caller
	repos   map[string]Repository
}

// NewFactory 构造 Factory，client 为共享的上游 http.Client。
func NewFactory(client *http.Client, logger *logrus.Logger, m *metrics.Metrics) *Factory {
	return &Factory{
		client:  client,
		logger:  logger,
		metrics: m,
		callers: make(map[string]Caller),
		repos:   make(map[string]Repository),
	}
}

// RegisterRepository 登记可被 origin://<name> 引用的进程内源仓库。
func (f *Factory) RegisterRepository(name string, repo Repository) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[name] = repo
}

// ForOrigin 返回 rt 对应的 Caller。
func (f *Factory) ForOrigin(rt config.OriginRuntime) (Caller, error) {
	name := rt.Config.Name
	f.mu.RLock()
	caller, ok := f.callers[name]
	f.mu.RUnlock()
	if ok {
		return caller, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if caller, ok := f.callers[name]; ok {
		return caller, nil
	}

	if target := rt.Config.LocalTarget(); target != "" {
		repo, ok := f.repos[target]
		if !ok {
			return nil, rpcerr.New(rpcerr.KindProxyError, "local origin %s is not available", target)
		}
		caller = NewLocalCaller(target, repo)
	} else {
		network, err := NewNetworkCaller(NetworkOptions{
			Name:           name,
			Upstream:       rt.Config.Upstream,
			Proxy:          rt.Config.Proxy,
			Username:       rt.Config.Username,
			Password:       rt.Config.Password,
			MaxRetries:     rt.MaxRetries,
			InitialBackoff: rt.Backoff,
			Client:         f.client,
			Logger:         f.logger,
			Metrics:        f.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("origin %s: %w", name, err)
		}
		caller = network
	}
	f.callers[name] = caller
	return caller, nil
}

// Endpoints 返回已创建的 Caller 名称与端点，供诊断输出。
func (f *Factory) Endpoints() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.callers))
	for name, caller := range f.callers {
		out[name] = caller.Endpoint()
	}
	return out
}
