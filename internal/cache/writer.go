package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrScratchUnavailable 表示未配置临时目录。
var ErrScratchUnavailable = errors.New("scratch dir unavailable")

// Scratch 在临时目录中创建不进入缓存的文件，例如不可缓存作业的原始 changeset
// 或中间转换结果。调用方负责在使用完毕后删除。
type Scratch struct {
	dir string
}

// NewScratch 构造临时文件写入器，目录不存在时自动创建。
func NewScratch(dir string) (Scratch, error) {
	if dir == "" {
		return Scratch{}, ErrScratchUnavailable
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Scratch{}, fmt.Errorf("create scratch dir: %w", err)
	}
	return Scratch{dir: dir}, nil
}

// Enabled 返回当前是否具备写入能力。
func (s Scratch) Enabled() bool {
	return s.dir != ""
}

// Dir 返回临时目录。
func (s Scratch) Dir() string {
	return s.dir
}

// Create 将 body 写入新的临时文件，expected >= 0 时校验字节数。
// 失败时不会留下文件。
func (s Scratch) Create(ctx context.Context, body io.Reader, expected int64) (string, int64, error) {
	if s.dir == "" {
		return "", 0, ErrScratchUnavailable
	}
	return writeTemp(ctx, s.dir, "cs-*.ccs-out", body, expected)
}

// writeTemp 把 body 写入 dir 下的新临时文件，expected >= 0 时校验字节数；
// 任何失败都会删除该文件。
func writeTemp(ctx context.Context, dir, pattern string, body io.Reader, expected int64) (string, int64, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, err
	}
	name := f.Name()
	written, err := io.Copy(f, ctxReader{ctx: ctx, r: body})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && expected >= 0 && written != expected {
		err = &SizeMismatchError{Want: expected, Got: written}
	}
	if err != nil {
		_ = os.Remove(name)
		return "", written, err
	}
	return name, written, nil
}

// ctxReader 在每次 Read 前检查 ctx，使长时间的拷贝可以被取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
