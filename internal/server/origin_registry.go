package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/pipeline"
)

// OriginRoute 将 Origin 配置与派生属性（解析后的 Upstream/Proxy URL、管道 Service）
// 聚合在一起，供路由/RPC 层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是用户在 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	Runtime    config.OriginRuntime
	// UpstreamURL 对进程内源（origin://）为 nil。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	Service     *pipeline.Service
}

// RepositoryRegistrar 登记可被 origin://<name> 引用的进程内源仓库，origin.Factory 实现该接口。
type RepositoryRegistrar interface {
	RegisterRepository(name string, repo origin.Repository)
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	byName  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置为每个 Origin 构建 Service，并把它们登记为进程内源仓库，
// 使 origin://<name> 上游可以解析。调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config, deps pipeline.Deps, repos RepositoryRegistrar) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
		byName: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, o := range cfg.Origins {
		normalizedHost := normalizeDomain(o.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", o.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, o, deps)
		if err != nil {
			return nil, err
		}
		if repos != nil {
			repos.RegisterRepository(o.Name, route.Service)
		}

		registry.routes[normalizedHost] = route
		registry.byName[o.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 按名称查找 OriginRoute。
func (r *OriginRegistry) Get(name string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序），用于诊断输出。
func (r *OriginRegistry) List() []OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]OriginRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func buildOriginRoute(cfg *config.Config, o config.OriginConfig, deps pipeline.Deps) (*OriginRoute, error) {
	runtime := config.BuildOriginRuntime(o, cfg.Global)

	var upstreamURL *url.URL
	if !runtime.Local() {
		parsed, err := url.Parse(o.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream for origin %s: %w", o.Name, err)
		}
		upstreamURL = parsed
	}

	var proxyURL *url.URL
	if o.Proxy != "" {
		parsed, err := url.Parse(o.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for origin %s: %w", o.Name, err)
		}
		proxyURL = parsed
	}

	service, err := pipeline.NewService(runtime, deps)
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", o.Name, err)
	}

	return &OriginRoute{
		Config:      o,
		ListenPort:  cfg.Global.ListenPort,
		Runtime:     runtime,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Service:     service,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
