package changeset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/any-hub/csproxy/internal/rpcerr"
)

const pathIDHexLength = 32

// ConvertFunc 将 src 中的容器降级写入 dst，返回写入的字节数。
type ConvertFunc func(ctx context.Context, src io.Reader, dst io.Writer) (int64, error)

type edge struct {
	from Version
	to   Version
}

// Converters 保存 (from, to) -> ConvertFunc 的映射，每条边只允许注册一次。
type Converters struct {
	mu    sync.RWMutex
	funcs map[edge]ConvertFunc
}

// NewConverters 创建空注册表。
func NewConverters() *Converters {
	return &Converters{funcs: make(map[edge]ConvertFunc)}
}

// DefaultConverters 注册两条内置降级边。
func DefaultConverters() *Converters {
	c := NewConverters()
	c.MustRegister(VersionFileIDIndex, VersionWithRemoves, dropFileIDs)
	c.MustRegister(VersionWithRemoves, VersionNoRemoves, materializeRemoved)
	return c
}

// Register 注册一条转换边。
func (c *Converters) Register(from, to Version, fn ConvertFunc) error {
	if fn == nil {
		return fmt.Errorf("converter %s->%s: nil func", from, to)
	}
	if from == to {
		return fmt.Errorf("converter %s->%s: identical versions", from, to)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := edge{from: from, to: to}
	if _, exists := c.funcs[key]; exists {
		return fmt.Errorf("converter %s->%s already registered", from, to)
	}
	c.funcs[key] = fn
	return nil
}

// MustRegister 在注册失败时 panic，仅用于初始化阶段。
func (c *Converters) MustRegister(from, to Version, fn ConvertFunc) {
	if err := c.Register(from, to, fn); err != nil {
		panic(err)
	}
}

// Has 报告是否存在 from->to 的转换。
func (c *Converters) Has(from, to Version) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.funcs[edge{from: from, to: to}]
	return ok
}

// Edges 返回已注册的边，按 from 降序排列，便于诊断输出。
func (c *Converters) Edges() [][2]Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][2]Version, 0, len(c.funcs))
	for key := range c.funcs {
		out = append(out, [2]Version{key.from, key.to})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] > out[j][0] })
	return out
}

// Convert 读取 srcPath，将转换结果写入 tmpDir 下的新临时文件。
// 返回新文件路径及与源文件相比的大小差值；失败时不会留下临时文件。
func (c *Converters) Convert(ctx context.Context, from, to Version, srcPath, tmpDir string) (string, int64, error) {
	c.mu.RLock()
	fn, ok := c.funcs[edge{from: from, to: to}]
	c.mu.RUnlock()
	if !ok {
		return "", 0, rpcerr.New(rpcerr.KindInternalServerError, "no converter from %s to %s", from, to)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("open source changeset: %w", err)
	}
	defer src.Close()
	srcInfo, err := src.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat source changeset: %w", err)
	}

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create tmp dir: %w", err)
	}
	dst, err := os.CreateTemp(tmpDir, "cs-*.ccs-out.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create converted changeset: %w", err)
	}
	dstPath := dst.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(dstPath)
		}
	}()

	written, err := fn(ctx, src, dst)
	if closeErr := dst.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, err
	}
	success = true
	return dstPath, written - srcInfo.Size(), nil
}

// rewriteEntries 按条目复制容器。rewrite 返回 keep=true 时原样复制正文，
// 此时非空的 name/tag 会替换原条目名与标签；否则以 payload 写入新条目。
func rewriteEntries(
	ctx context.Context,
	src io.Reader,
	dst io.Writer,
	expect, target Version,
	rewrite func(hdr EntryHeader, data io.Reader) (name, tag string, payload []byte, keep bool, err error),
) (int64, error) {
	r, err := NewReader(src)
	if err != nil {
		return 0, err
	}
	if r.Version() != expect {
		return 0, fmt.Errorf("%w: expected version %s, got %s", ErrBadContainer, expect, r.Version())
	}
	w, err := NewWriter(dst, target)
	if err != nil {
		return 0, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		hdr, data, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		name, tag, payload, keep, err := rewrite(hdr, data)
		if err != nil {
			return 0, err
		}
		if keep {
			if name == "" {
				name = hdr.Name
			}
			if tag == "" {
				tag = hdr.Tag
			}
			if err := w.WriteEntry(name, tag, hdr.Size, data); err != nil {
				return 0, err
			}
			continue
		}
		if err := w.WriteBytes(name, tag, payload); err != nil {
			return 0, err
		}
	}
	return w.Written(), nil
}

// dropFileIDs 把 pathId+fileId 形式的文件条目名截断为 pathId，内容原样保留。
func dropFileIDs(ctx context.Context, src io.Reader, dst io.Writer) (int64, error) {
	return rewriteEntries(ctx, src, dst, VersionFileIDIndex, VersionWithRemoves,
		func(hdr EntryHeader, data io.Reader) (string, string, []byte, bool, error) {
			if hdr.Tag != TagFile || len(hdr.Name) <= pathIDHexLength {
				return "", "", nil, true, nil
			}
			return hdr.Name[:pathIDHexLength], "", nil, true, nil
		})
}

// materializeRemoved 把缺失 trove 的删除标记替换为合成的空 trove；
// 旧格式无法表达真正的删除。
func materializeRemoved(ctx context.Context, src io.Reader, dst io.Writer) (int64, error) {
	return rewriteEntries(ctx, src, dst, VersionWithRemoves, VersionNoRemoves,
		func(hdr EntryHeader, data io.Reader) (string, string, []byte, bool, error) {
			if hdr.Tag != TagRemoved {
				return "", "", nil, true, nil
			}
			raw, err := io.ReadAll(data)
			if err != nil {
				return "", "", nil, false, err
			}
			var rec RemovedRecord
			if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
				return "", "", nil, false, fmt.Errorf("%w: removed marker %q: %v", ErrBadContainer, hdr.Name, err)
			}
			if !rec.Absolute {
				return "", "", nil, false, rpcerr.New(rpcerr.KindInternalServerError,
					"relative changeset for removed trove %s cannot be downgraded", rec.Name)
			}
			if !rec.Missing {
				return "", "", nil, false, rpcerr.New(rpcerr.KindTroveMissing,
					"%s=%s[%s] was removed and cannot be represented for this client", rec.Name, rec.NewVersion, rec.NewFlavor)
			}
			payload, err := json.Marshal(rec.Materialize())
			if err != nil {
				return "", "", nil, false, err
			}
			return hdr.Name, TagTrove, payload, false, nil
		})
}
