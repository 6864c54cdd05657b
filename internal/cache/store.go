package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Store 负责内容寻址 blob 的读写。磁盘布局遵循：
//
//	<root>/<hash[0:2]>/<hash[2:4]>/<hash[4:]><suffix>
//
// 条目一旦提交即不可变，Store 本身不做淘汰。
type Store interface {
	// Path 返回 key 对应的绝对路径，不检查文件是否存在。
	Path(key Key) (string, error)

	// Exists 报告 key 对应的常规文件是否存在。
	Exists(key Key) bool

	// Get 返回一个可流式读取的条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 通过临时文件 + rename 原子写入 body。opts.ExpectedSize >= 0 时校验字节数，
	// 不符时返回 *SizeMismatchError 且不会发布任何文件。
	Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除条目，不存在时视为成功。
	Remove(ctx context.Context, key Key) error

	// Root 返回存储根目录。
	Root() string
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	// ExpectedSize < 0 表示不校验。
	ExpectedSize int64
	ModTime      time.Time
}

// Key 唯一定位一个 blob。Hash 必须是至少 5 个字符的十六进制串。
type Key struct {
	Hash   string
	Suffix string
}

func (k Key) String() string {
	return k.Hash + k.Suffix
}

// Entry 描述一个已提交的 blob。
type Entry struct {
	Key       Key    `json:"key"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于上层直接流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidKey 表示 hash 不是合法的十六进制串。
var ErrInvalidKey = errors.New("invalid cache key")

// SizeMismatchError 表示写入的字节数与预期不符。
type SizeMismatchError struct {
	Want int64
	Got  int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d bytes, got %d", e.Want, e.Got)
}
