package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/rpcerr"
	"github.com/any-hub/csproxy/internal/version"
)

// LocalHost 是本地 changeset URL 唯一允许的主机名。
const LocalHost = "localhost"

// URLOpener 打开 http(s):// 形式的 changeset URL；allowLocal 时也接受 file://localhost/。
// 本地文件在关闭时被删除：它们由本地源仓库专门为本次请求生成，
// 因此只有进程内源仓库的 Opener 可以打开它们。
type URLOpener struct {
	client     *http.Client
	authorize  func(*http.Request, Credential)
	metrics    *metrics.Metrics
	allowLocal bool
}

// NewURLOpener 构造只接受 http(s) 的 Opener；client 为空时使用 http.DefaultClient。
func NewURLOpener(client *http.Client) *URLOpener {
	return &URLOpener{client: client}
}

// NewLocalOpener 构造同时接受 file://localhost/ 的 Opener，供进程内源仓库使用。
func NewLocalOpener(client *http.Client) *URLOpener {
	return &URLOpener{client: client, allowLocal: true}
}

// Open 实现 Opener。
func (o *URLOpener) Open(ctx context.Context, rawURL string, cred Credential) (io.ReadCloser, int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "invalid changeset url %q", rawURL)
	}
	switch parsed.Scheme {
	case "file":
		if !o.allowLocal {
			return nil, 0, rpcerr.New(rpcerr.KindProxyError, "file url not allowed from remote origin: %s", parsed.Redacted())
		}
		return openLocal(parsed)
	case "http", "https":
		return o.openHTTP(ctx, parsed, cred)
	default:
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "unsupported changeset url scheme %q", parsed.Scheme)
	}
}

func (o *URLOpener) openHTTP(ctx context.Context, target *url.URL, cred Credential) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if o.authorize != nil {
		o.authorize(req, cred)
	} else if header := buildCredentialHeader(cred.User, cred.Password); header != "" {
		req.Header.Set("Authorization", header)
	}
	client := o.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "download %s: %v", target.Redacted(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "download %s: status %d", target.Redacted(), resp.StatusCode)
	}
	return &countingBody{ReadCloser: resp.Body, metrics: o.metrics}, resp.ContentLength, nil
}

func openLocal(target *url.URL) (io.ReadCloser, int64, error) {
	if target.Host != LocalHost {
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "file url must use host %s: %s", LocalHost, target.String())
	}
	path := filepath.Clean(filepath.FromSlash(target.Path))
	if !filepath.IsAbs(path) {
		return nil, 0, rpcerr.New(rpcerr.KindProxyError, "file url path must be absolute: %s", target.Path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open local changeset: %w", err)
	}
	size := int64(-1)
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	return &consumedFile{File: f}, size, nil
}

// LocalURL 返回本地文件对应的 file://localhost/ URL。
func LocalURL(path string) string {
	return (&url.URL{Scheme: "file", Host: LocalHost, Path: filepath.ToSlash(path)}).String()
}

// consumedFile 关闭时删除文件。
type consumedFile struct {
	*os.File
}

func (f *consumedFile) Close() error {
	err := f.File.Close()
	if rmErr := os.Remove(f.Name()); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

type countingBody struct {
	io.ReadCloser
	metrics *metrics.Metrics
	n       int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.metrics.OriginFetch(b.n)
	return b.ReadCloser.Close()
}
