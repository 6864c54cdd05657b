// Package capsule 把 changeset 中引用外部托管内容的 cref 条目替换为真实文件内容。
// 内容从 capsule 索引服务下载：整个 capsule 按 sha1 校验，单个文件按路径定位。
package capsule

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/rpcerr"
	"github.com/any-hub/csproxy/internal/version"
)

// Options 配置索引服务地址与下载并发度。
type Options struct {
	Indexer     string
	Concurrency int
	Client      *http.Client
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

// Reassembler 可在请求间共享。Indexer 为空时不做任何改写。
type Reassembler struct {
	indexer     string
	concurrency int
	client      *http.Client
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

// New 构造 Reassembler。
func New(opts Options) (*Reassembler, error) {
	indexer := strings.TrimRight(opts.Indexer, "/")
	if indexer != "" {
		parsed, err := url.Parse(indexer)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return nil, fmt.Errorf("invalid capsule indexer %q", opts.Indexer)
		}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reassembler{
		indexer:     indexer,
		concurrency: concurrency,
		client:      client,
		logger:      logger,
		metrics:     opts.Metrics,
	}, nil
}

// Enabled 报告是否配置了索引服务。
func (r *Reassembler) Enabled() bool {
	return r != nil && r.indexer != ""
}

type fetched struct {
	path string
	size int64
}

// Rewrite 扫描 srcPath 中的 cref 条目并在 tmpDir 写出改写后的容器。
// 没有 cref 条目时返回 srcPath 本身与 0；否则返回新文件路径与改写条目数，
// 源文件保持不变，由调用方决定是否删除。
func (r *Reassembler) Rewrite(ctx context.Context, srcPath, tmpDir string) (string, int, error) {
	refs, err := scanRefs(srcPath)
	if err != nil {
		return "", 0, err
	}
	if len(refs) == 0 {
		return srcPath, 0, nil
	}
	if !r.Enabled() {
		return "", 0, rpcerr.New(rpcerr.KindInternalServerError,
			"changeset references %d capsule entries but no capsule indexer is configured", len(refs))
	}

	results := make([]fetched, len(refs))
	defer func() {
		for _, res := range results {
			if res.path != "" {
				_ = os.Remove(res.path)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			path, size, err := r.fetch(gctx, ref.ref, tmpDir)
			r.metrics.CapsuleFetch(err)
			if err != nil {
				return err
			}
			results[i] = fetched{path: path, size: size}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", 0, err
	}

	out, err := r.write(ctx, srcPath, tmpDir, refs, results)
	if err != nil {
		return "", 0, err
	}
	r.logger.WithFields(logrus.Fields{
		"action":  "capsule_rewrite",
		"entries": len(refs),
	}).Debug("capsule references reassembled")
	return out, len(refs), nil
}

type indexedRef struct {
	index int
	ref   changeset.CapsuleRef
}

func scanRefs(srcPath string) ([]indexedRef, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open changeset: %w", err)
	}
	defer f.Close()
	cr, err := changeset.NewReader(f)
	if err != nil {
		return nil, err
	}
	var refs []indexedRef
	for i := 0; ; i++ {
		hdr, data, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return refs, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Tag != changeset.TagCapsuleRef {
			continue
		}
		var ref changeset.CapsuleRef
		if err := json.NewDecoder(data).Decode(&ref); err != nil {
			return nil, fmt.Errorf("%w: capsule ref %q: %v", changeset.ErrBadContainer, hdr.Name, err)
		}
		if ref.Package == "" || ref.SHA1 == "" {
			return nil, fmt.Errorf("%w: capsule ref %q missing package or sha1", changeset.ErrBadContainer, hdr.Name)
		}
		refs = append(refs, indexedRef{index: i, ref: ref})
	}
}

// refURL: 整个 capsule 为 <indexer>/<pkg>/<sha1>，单文件再追加转义后的路径。
func (r *Reassembler) refURL(ref changeset.CapsuleRef) string {
	target := r.indexer + "/" + url.PathEscape(ref.Package) + "/" + url.PathEscape(ref.SHA1)
	if ref.Path != "" {
		target += "/" + url.PathEscape(ref.Path)
	}
	return target
}

// fetch 下载引用内容并以 gzip 压缩写入临时文件。
func (r *Reassembler) fetch(ctx context.Context, ref changeset.CapsuleRef, tmpDir string) (string, int64, error) {
	target := r.refURL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, rpcerr.New(rpcerr.KindProxyError, "capsule download %s: %v", target, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", 0, rpcerr.New(rpcerr.KindTroveMissing, "capsule content %s/%s not found on indexer", ref.Package, ref.SHA1)
	case resp.StatusCode != http.StatusOK:
		return "", 0, rpcerr.New(rpcerr.KindProxyError, "capsule download %s: status %d", target, resp.StatusCode)
	}

	f, err := os.CreateTemp(tmpDir, "capsule-*.gz")
	if err != nil {
		return "", 0, err
	}
	name := f.Name()
	fail := func(err error) (string, int64, error) {
		f.Close()
		os.Remove(name)
		return "", 0, err
	}

	var digest hash.Hash
	var body io.Reader = resp.Body
	if ref.Path == "" {
		digest = sha1.New()
		body = io.TeeReader(resp.Body, digest)
	}
	zw := gzip.NewWriter(f)
	if _, err := io.Copy(zw, body); err != nil {
		return fail(rpcerr.New(rpcerr.KindProxyError, "capsule download %s: %v", target, err))
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if digest != nil {
		if got := hex.EncodeToString(digest.Sum(nil)); !strings.EqualFold(got, ref.SHA1) {
			return fail(rpcerr.New(rpcerr.KindRepositoryError,
				"capsule %s checksum mismatch (expected %s, got %s)", ref.Package, ref.SHA1, got))
		}
	}
	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", 0, err
	}
	return name, info.Size(), nil
}

func (r *Reassembler) write(ctx context.Context, srcPath, tmpDir string, refs []indexedRef, results []fetched) (string, error) {
	replacements := make(map[int]fetched, len(refs))
	for i, ref := range refs {
		replacements[ref.index] = results[i]
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open changeset: %w", err)
	}
	defer src.Close()
	cr, err := changeset.NewReader(src)
	if err != nil {
		return "", err
	}

	dst, err := os.CreateTemp(tmpDir, "cs-*.ccs-out.tmp")
	if err != nil {
		return "", err
	}
	dstPath := dst.Name()
	ok := false
	defer func() {
		if !ok {
			dst.Close()
			os.Remove(dstPath)
		}
	}()

	w, err := changeset.NewWriter(dst, cr.Version())
	if err != nil {
		return "", err
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, data, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		repl, found := replacements[i]
		if !found {
			if err := w.WriteEntry(hdr.Name, hdr.Tag, hdr.Size, data); err != nil {
				return "", err
			}
			continue
		}
		content, err := os.Open(repl.path)
		if err != nil {
			return "", err
		}
		err = w.WriteEntry(hdr.Name, changeset.TagFile, repl.size, content)
		content.Close()
		if err != nil {
			return "", err
		}
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	ok = true
	return dstPath, nil
}
