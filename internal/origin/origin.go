// Package origin 抽象对源仓库的调用：网络调用（HTTP JSON RPC）与进程内调用
// 暴露完全相同的接口，管道层无需区分。
package origin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/any-hub/csproxy/internal/changeset"
)

// Credential 是已由上游 ACL 预先授权的不透明凭证，代理只负责透传。
type Credential struct {
	User     string
	Password string
}

// Empty 报告是否为匿名凭证。
func (c Credential) Empty() bool {
	return c.User == "" && c.Password == ""
}

// Identity 返回凭证的稳定摘要，用于缓存键，不泄露口令。
func (c Credential) Identity() string {
	if c.Empty() {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(c.User + "\x00" + c.Password))
	return hex.EncodeToString(sum[:8])
}

// Flags 是 getChangeSet / getChangeSetFingerprints 的行为开关。
type Flags struct {
	Recurse           bool `json:"recurse"`
	WithFiles         bool `json:"with_files"`
	WithContents      bool `json:"with_contents"`
	ExcludeAutoSource bool `json:"exclude_auto_source"`
	MirrorMode        bool `json:"mirror_mode"`
}

// ChangeSetRequest 描述一次 getChangeSet 调用。
type ChangeSetRequest struct {
	Protocol int
	Jobs     []changeset.Job
	Flags    Flags
	// Version 是要求源仓库产出的容器版本。
	Version changeset.Version
}

// ChangeSetResult 是 getChangeSet 的返回：URL 指向按作业顺序拼接的 changeset 流，
// Infos 与作业一一对应，RawSize 用于切分该流。
type ChangeSetResult struct {
	URL   string           `json:"url"`
	Infos []changeset.Info `json:"infos"`
}

// Repository 是可在进程内直接调用的源仓库。
type Repository interface {
	CheckVersion(ctx context.Context, cred Credential) ([]int, error)
	GetChangeSetFingerprints(ctx context.Context, cred Credential, protocol int, jobs []changeset.Job, flags Flags) ([]string, error)
	GetChangeSet(ctx context.Context, cred Credential, req ChangeSetRequest) (*ChangeSetResult, error)
}

// Caller 是管道依赖的源仓库调用接口。
type Caller interface {
	Repository
	// Endpoint 返回源仓库的稳定标识，用于日志与缓存键。
	Endpoint() string
	// Opener 返回用于下载 changeset URL 的 Opener。
	Opener() Opener
}

// Opener 打开 changeset URL，返回数据流与已知长度（未知时为 -1）。
type Opener interface {
	Open(ctx context.Context, rawURL string, cred Credential) (io.ReadCloser, int64, error)
}
