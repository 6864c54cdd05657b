package origin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/rpcerr"
	"github.com/any-hub/csproxy/internal/version"
)

// maxResponseBytes 限制 RPC 响应体大小，changeset 本身通过 URL 单独下载。
const maxResponseBytes = 64 << 20

// NetworkOptions 构造 NetworkCaller 所需参数。
type NetworkOptions struct {
	Name     string
	Upstream string
	Proxy    string
	// Username/Password 非空时替换客户端凭证（凭证注入）。
	Username       string
	Password       string
	MaxRetries     int
	InitialBackoff time.Duration
	Client         *http.Client
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
}

// NetworkCaller 通过 HTTP JSON RPC 调用远端源仓库，传输层失败按指数退避重试。
type NetworkCaller struct {
	name           string
	upstream       *url.URL
	proxyURL       *url.URL
	username       string
	password       string
	maxRetries     int
	initialBackoff time.Duration
	client         *http.Client
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	opener         *URLOpener
}

// NewNetworkCaller 校验地址并构造调用器。
func NewNetworkCaller(opts NetworkOptions) (*NetworkCaller, error) {
	upstream, err := url.Parse(strings.TrimRight(opts.Upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", opts.Upstream, err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream %q: unsupported scheme", opts.Upstream)
	}
	var proxyURL *url.URL
	if opts.Proxy != "" {
		proxyURL, err = url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", opts.Proxy, err)
		}
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	client = withProxy(client, proxyURL)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backoffBase := opts.InitialBackoff
	if backoffBase <= 0 {
		backoffBase = time.Second
	}

	n := &NetworkCaller{
		name:           opts.Name,
		upstream:       upstream,
		proxyURL:       proxyURL,
		username:       opts.Username,
		password:       opts.Password,
		maxRetries:     opts.MaxRetries,
		initialBackoff: backoffBase,
		client:         client,
		logger:         logger,
		metrics:        opts.Metrics,
	}
	n.opener = &URLOpener{client: client, authorize: n.authorize, metrics: opts.Metrics}
	return n, nil
}

// Endpoint 返回上游地址。
func (n *NetworkCaller) Endpoint() string {
	return n.upstream.String()
}

// Opener 返回共享该调用器代理与凭证配置的下载器。
func (n *NetworkCaller) Opener() Opener {
	return n.opener
}

func (n *NetworkCaller) CheckVersion(ctx context.Context, cred Credential) ([]int, error) {
	var versions []int
	if err := n.call(ctx, cred, MethodCheckVersion, 0, nil, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (n *NetworkCaller) GetChangeSetFingerprints(ctx context.Context, cred Credential, protocol int, jobs []changeset.Job, flags Flags) ([]string, error) {
	var fingerprints []string
	params := FingerprintParams{Jobs: jobs, Flags: flags}
	if err := n.call(ctx, cred, MethodGetChangeSetFingerprints, protocol, params, &fingerprints); err != nil {
		return nil, err
	}
	if len(fingerprints) != len(jobs) {
		return nil, rpcerr.New(rpcerr.KindProxyError,
			"origin %s returned %d fingerprints for %d jobs", n.name, len(fingerprints), len(jobs))
	}
	return fingerprints, nil
}

func (n *NetworkCaller) GetChangeSet(ctx context.Context, cred Credential, req ChangeSetRequest) (*ChangeSetResult, error) {
	var result ChangeSetResult
	params := ChangeSetParams{Jobs: req.Jobs, Flags: req.Flags, ChangesetVersion: req.Version}
	if err := n.call(ctx, cred, MethodGetChangeSet, req.Protocol, params, &result); err != nil {
		return nil, err
	}
	if len(result.Infos) != len(req.Jobs) {
		return nil, rpcerr.New(rpcerr.KindProxyError,
			"origin %s returned %d changeset infos for %d jobs", n.name, len(result.Infos), len(req.Jobs))
	}
	resolved, err := n.upstream.Parse(result.URL)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindProxyError, "origin %s returned invalid changeset url %q", n.name, result.URL)
	}
	result.URL = resolved.String()
	return &result, nil
}

// call 发送一次 RPC。结构化错误（源仓库显式拒绝）不重试，传输层错误按退避重试，
// 重试耗尽后统一转换为 ProxyError。
func (n *NetworkCaller) call(ctx context.Context, cred Credential, method string, protocol int, params, result interface{}) error {
	body := RPCRequest{Method: method, Version: protocol}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		body.Params = raw
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	attempt := 0
	var resp RPCResponse
	op := func() error {
		attempt++
		r, err := n.roundTrip(ctx, cred, payload)
		if err != nil {
			if !rpcerr.Retryable(err) {
				return backoff.Permanent(err)
			}
			n.logger.WithFields(logrus.Fields{
				"action":  "origin_call",
				"origin":  n.name,
				"method":  method,
				"attempt": attempt,
			}).WithError(err).Warn("origin call failed")
			return err
		}
		resp = *r
		return nil
	}

	err = backoff.Retry(op, n.backOff(ctx))
	n.metrics.OriginRequest(method, err)
	if err != nil {
		if rpcerr.IsKind(err, rpcerr.KindProxyError) || errors.Is(err, context.Canceled) {
			return err
		}
		var structured *rpcerr.Error
		if errors.As(err, &structured) {
			return structured
		}
		return rpcerr.New(rpcerr.KindProxyError, "origin %s %s: %v", n.name, method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return rpcerr.New(rpcerr.KindProxyError, "origin %s %s: malformed result: %v", n.name, method, err)
	}
	return nil
}

func (n *NetworkCaller) backOff(ctx context.Context) backoff.BackOff {
	ret := backoff.NewExponentialBackOff()
	ret.InitialInterval = n.initialBackoff
	retries := n.maxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(ret, uint64(retries)), ctx)
}

func (n *NetworkCaller) roundTrip(ctx context.Context, cred Credential, payload []byte) (*RPCResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.upstream.String()+RPCPath, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	n.authorize(req, cred)

	httpResp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return nil, rpcerr.New(rpcerr.KindInsufficientPermission, "origin %s rejected credentials", n.name)
	case httpResp.StatusCode >= 500:
		return nil, rpcerr.New(rpcerr.KindProxyError, "origin %s returned status %d", n.name, httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		return nil, rpcerr.New(rpcerr.KindRepositoryError, "origin %s returned status %d", n.name, httpResp.StatusCode)
	}

	var resp RPCResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode origin response: %w", err)
	}
	return &resp, nil
}

// authorize 优先使用配置的凭证，其次透传客户端凭证。
func (n *NetworkCaller) authorize(req *http.Request, cred Credential) {
	if header := buildCredentialHeader(n.username, n.password); header != "" {
		req.Header.Set("Authorization", header)
		return
	}
	if header := buildCredentialHeader(cred.User, cred.Password); header != "" {
		req.Header.Set("Authorization", header)
	}
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}

// withProxy 为指定代理克隆 client，未配置代理时原样返回。
func withProxy(base *http.Client, proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return base
	}
	var transport *http.Transport
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *base
	client.Transport = transport
	return &client
}
