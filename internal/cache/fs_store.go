package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// 进程内写锁按 key 哈希分片；跨进程互斥由 cscache 的文件锁负责。
const lockStripes = 64

// NewStore 以 basePath 为根目录构建内容寻址存储，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache dir required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &fileStore{root: abs}, nil
}

type fileStore struct {
	root    string
	stripes [lockStripes]sync.Mutex
}

func (s *fileStore) Root() string {
	return s.root
}

func (s *fileStore) Path(key Key) (string, error) {
	if !ValidHash(key.Hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key.Hash)
	}
	hash := strings.ToLower(key.Hash)
	if strings.ContainsAny(key.Suffix, `/\`) {
		return "", fmt.Errorf("%w: suffix %q", ErrInvalidKey, key.Suffix)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash[4:]+key.Suffix), nil
}

// ValidHash 报告 hash 能否作为存储键：至少 5 个十六进制字符。
func ValidHash(hash string) bool {
	return len(hash) >= 5 && strings.Trim(strings.ToLower(hash), "0123456789abcdef") == ""
}

func (s *fileStore) Exists(key Key) bool {
	_, info, err := s.stat(key)
	return err == nil && info != nil
}

func (s *fileStore) Get(ctx context.Context, key Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, info, err := s.stat(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ReadResult{
		Entry:  Entry{Key: key, FilePath: path, SizeBytes: info.Size(), ModTime: info.ModTime()},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error) {
	path, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	tmp, written, err := writeTemp(ctx, dir, ".cache-*", body, opts.ExpectedSize)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		return nil, err
	}
	return &Entry{Key: key, FilePath: path, SizeBytes: written, ModTime: modTime}, nil
}

func (s *fileStore) Remove(_ context.Context, key Key) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}
	mu := s.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// stat 只把常规文件视为条目，同名目录按不存在处理。
func (s *fileStore) stat(key Key) (string, fs.FileInfo, error) {
	path, err := s.Path(key)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if !info.Mode().IsRegular() {
		return "", nil, ErrNotFound
	}
	return path, info, nil
}

func (s *fileStore) stripe(key Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(key.String())))
	return &s.stripes[h.Sum32()%lockStripes]
}
