// Package origintest 提供内存中的源仓库实现，供管道与 HTTP 层测试使用。
package origintest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// BuildFunc 以指定容器版本生成作业的 changeset。
type BuildFunc func(job changeset.Job, version changeset.Version) ([]byte, error)

// Repository 是 origin.Repository 的内存实现。changeset 写入 TmpDir 并以
// file://localhost/ URL 返回。
type Repository struct {
	TmpDir   string
	Versions []int
	// NoFingerprints 为 true 时 getChangeSetFingerprints 返回 MethodNotSupported。
	NoFingerprints bool
	// FingerprintOf 非空时替代默认的指纹计算。
	FingerprintOf func(job changeset.Job) string
	// ShortBy > 0 时实际写出的字节比声明的少，模拟传输截断。
	ShortBy int64
	// Gate 非空时 GetChangeSet 在返回前等待它被关闭。
	Gate chan struct{}

	mu      sync.Mutex
	builds  map[string]BuildFunc
	calls   map[string]int
	batches [][]changeset.Job
}

// New 构造默认支持协议 36..71 的源仓库。
func New(tmpDir string) *Repository {
	return &Repository{
		TmpDir:   tmpDir,
		Versions: []int{36, 37, 38, 42, 43, 51, 71},
		builds:   make(map[string]BuildFunc),
		calls:    make(map[string]int),
	}
}

// Set 为名为 name 的作业注册自定义内容。
func (r *Repository) Set(name string, build BuildFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[name] = build
}

// Calls 返回方法被调用的次数。
func (r *Repository) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// Batches 返回每次 getChangeSet 请求的作业列表。
func (r *Repository) Batches() [][]changeset.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]changeset.Job(nil), r.batches...)
}

func (r *Repository) count(method string) {
	r.mu.Lock()
	r.calls[method]++
	r.mu.Unlock()
}

func (r *Repository) CheckVersion(ctx context.Context, cred origin.Credential) ([]int, error) {
	r.count(origin.MethodCheckVersion)
	return append([]int(nil), r.Versions...), nil
}

func (r *Repository) GetChangeSetFingerprints(ctx context.Context, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) ([]string, error) {
	r.count(origin.MethodGetChangeSetFingerprints)
	if r.NoFingerprints {
		return nil, rpcerr.New(rpcerr.KindMethodNotSupported, "getChangeSetFingerprints")
	}
	out := make([]string, len(jobs))
	for i, job := range jobs {
		if r.FingerprintOf != nil {
			out[i] = r.FingerprintOf(job)
			continue
		}
		out[i] = Fingerprint(job, flags)
	}
	return out, nil
}

func (r *Repository) GetChangeSet(ctx context.Context, cred origin.Credential, req origin.ChangeSetRequest) (*origin.ChangeSetResult, error) {
	r.count(origin.MethodGetChangeSet)
	r.mu.Lock()
	r.batches = append(r.batches, append([]changeset.Job(nil), req.Jobs...))
	r.mu.Unlock()

	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var combined bytes.Buffer
	infos := make([]changeset.Info, len(req.Jobs))
	for i, job := range req.Jobs {
		data, err := r.build(job, req.Version)
		if err != nil {
			return nil, err
		}
		combined.Write(data)
		infos[i] = changeset.Info{
			Aux: changeset.Aux{
				TrovesNeeded:  []changeset.Job{},
				FilesNeeded:   []changeset.FileRef{{PathID: PathID(job), FileID: FileID(job)}},
				RemovedTroves: []changeset.TroveSpec{},
			},
			Size:    int64(len(data)),
			RawSize: int64(len(data)),
		}
	}

	payload := combined.Bytes()
	if r.ShortBy > 0 && int64(len(payload)) > r.ShortBy {
		payload = payload[:int64(len(payload))-r.ShortBy]
	}
	f, err := os.CreateTemp(r.TmpDir, "origin-*.ccs")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &origin.ChangeSetResult{URL: origin.LocalURL(f.Name()), Infos: infos}, nil
}

func (r *Repository) build(job changeset.Job, version changeset.Version) ([]byte, error) {
	r.mu.Lock()
	build, ok := r.builds[job.Name]
	r.mu.Unlock()
	if !ok {
		build = Content
	}
	return build(job, version)
}

// Fingerprint 返回作业的确定性指纹。
func Fingerprint(job changeset.Job, flags origin.Flags) string {
	raw, _ := json.Marshal(struct {
		Job   changeset.Job
		Flags origin.Flags
	}{job, flags})
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// PathID 返回作业唯一文件的 pathId（32 位十六进制）。
func PathID(job changeset.Job) string {
	sum := sha1.Sum([]byte("path:" + job.Name))
	return hex.EncodeToString(sum[:16])
}

// FileID 返回作业唯一文件的 fileId（40 位十六进制）。
func FileID(job changeset.Job) string {
	sum := sha1.Sum([]byte("file:" + job.Name + job.NewVersion))
	return hex.EncodeToString(sum[:])
}

// Content 以指定版本编码作业的默认 changeset：一个 trove 条目和一个文件条目。
// 同一作业以不同版本直接编码的结果，等于从新版本逐步转换的结果。
func Content(job changeset.Job, version changeset.Version) ([]byte, error) {
	trove, err := json.Marshal(changeset.TroveRecord{
		Name:       job.Name,
		OldVersion: job.OldVersion,
		OldFlavor:  job.OldFlavor,
		NewVersion: job.NewVersion,
		NewFlavor:  job.NewFlavor,
		Absolute:   job.Absolute,
	})
	if err != nil {
		return nil, err
	}
	fileName := PathID(job)
	if version == changeset.VersionFileIDIndex {
		fileName += FileID(job)
	}
	return changeset.Encode(version,
		changeset.Entry{Name: job.Name, Tag: changeset.TagTrove, Data: trove},
		changeset.Entry{Name: fileName, Tag: changeset.TagFile, Data: []byte(fmt.Sprintf("contents of %s", job.Name))},
	)
}
