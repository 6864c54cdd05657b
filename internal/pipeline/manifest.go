package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// manifestSuffix 附加在 manifest id 之后构成磁盘文件名。
const manifestSuffix = "-out"

var manifestIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.cf$`)

// ErrManifestNotFound 表示 manifest 不存在或已被取走。
var ErrManifestNotFound = errors.New("manifest not found")

// ManifestItem 是 manifest 的一行：`<path> <size> <isChangeset 0|1> <keep 0|1>`。
type ManifestItem struct {
	Path        string
	Size        int64
	IsChangeset bool
	// Keep 为 false 的文件在发送后删除。
	Keep bool
}

func (m ManifestItem) line() string {
	return fmt.Sprintf("%s %d %d %d\n", m.Path, m.Size, boolInt(m.IsChangeset), boolInt(m.Keep))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Manifest 把结果写成 dir 下的 manifest 文件并返回其 id，临时文件的所有权随之转交。
func (res *Result) Manifest(dir string) (string, error) {
	if err := res.consume(); err != nil {
		return "", err
	}
	id := uuid.NewString() + ".cf"
	path := filepath.Join(dir, id+manifestSuffix)
	var b strings.Builder
	for _, info := range res.Infos {
		b.WriteString(ManifestItem{Path: info.Path, Size: info.Size, IsChangeset: true, Keep: info.Cached}.line())
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		res.removeScratch()
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return id, nil
}

// Combine 把全部 changeset 依次拼接到 dir 下的新文件，随后删除临时文件。
func (res *Result) Combine(dir string) (string, error) {
	if err := res.consume(); err != nil {
		return "", err
	}
	defer res.removeScratch()

	out, err := os.CreateTemp(dir, "cs-*.ccs-out")
	if err != nil {
		return "", err
	}
	name := out.Name()
	for _, info := range res.Infos {
		if err := appendFile(out, info.Path); err != nil {
			out.Close()
			os.Remove(name)
			return "", err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// Discard 删除结果持有的临时文件，用于 infoOnly 请求。
func (res *Result) Discard() {
	if res.consume() == nil {
		res.removeScratch()
	}
}

func (res *Result) consume() error {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.consumed {
		return errors.New("changeset result already consumed")
	}
	res.consumed = true
	return nil
}

func (res *Result) removeScratch() {
	for _, info := range res.Infos {
		if !info.Cached && info.Path != "" {
			_ = os.Remove(info.Path)
		}
	}
}

func appendFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

// ManifestPath 校验 id 并返回 manifest 文件路径。
func ManifestPath(dir, id string) (string, error) {
	if !manifestIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: invalid id %q", ErrManifestNotFound, id)
	}
	return filepath.Join(dir, id+manifestSuffix), nil
}

// TakeManifest 读取并删除 manifest，每个 manifest 只能被取走一次。
func TakeManifest(dir, id string) ([]ManifestItem, error) {
	path, err := ManifestPath(dir, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrManifestNotFound
		}
		return nil, err
	}
	defer f.Close()
	if err := os.Remove(path); err != nil {
		return nil, err
	}

	var items []ManifestItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 4 {
			return nil, fmt.Errorf("malformed manifest line %q", scanner.Text())
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed manifest size %q", fields[1])
		}
		items = append(items, ManifestItem{
			Path:        fields[0],
			Size:        size,
			IsChangeset: fields[2] == "1",
			Keep:        fields[3] == "1",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
