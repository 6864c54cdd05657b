package origin

import (
	"context"
	"fmt"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

// LocalCaller 在进程内调用 Repository，错误与 panic 统一转换为结构化错误，
// 使其与 NetworkCaller 的失败形态一致。
type LocalCaller struct {
	name   string
	repo   Repository
	opener *URLOpener
}

// NewLocalCaller 包装进程内源仓库。
func NewLocalCaller(name string, repo Repository) *LocalCaller {
	return &LocalCaller{name: name, repo: repo, opener: NewLocalOpener(nil)}
}

// Endpoint 返回 origin://<name>。
func (l *LocalCaller) Endpoint() string {
	return "origin://" + l.name
}

func (l *LocalCaller) Opener() Opener {
	return l.opener
}

func (l *LocalCaller) CheckVersion(ctx context.Context, cred Credential) (versions []int, err error) {
	defer l.recoverInto(MethodCheckVersion, &err)
	versions, err = l.repo.CheckVersion(ctx, cred)
	return versions, l.normalize(err)
}

func (l *LocalCaller) GetChangeSetFingerprints(ctx context.Context, cred Credential, protocol int, jobs []changeset.Job, flags Flags) (fps []string, err error) {
	defer l.recoverInto(MethodGetChangeSetFingerprints, &err)
	fps, err = l.repo.GetChangeSetFingerprints(ctx, cred, protocol, jobs, flags)
	return fps, l.normalize(err)
}

func (l *LocalCaller) GetChangeSet(ctx context.Context, cred Credential, req ChangeSetRequest) (result *ChangeSetResult, err error) {
	defer l.recoverInto(MethodGetChangeSet, &err)
	result, err = l.repo.GetChangeSet(ctx, cred, req)
	return result, l.normalize(err)
}

func (l *LocalCaller) normalize(err error) error {
	if err == nil {
		return nil
	}
	return rpcerr.From(err)
}

func (l *LocalCaller) recoverInto(method string, err *error) {
	if r := recover(); r != nil {
		*err = rpcerr.New(rpcerr.KindInternalServerError, "%s", fmt.Sprintf("origin %s %s panic: %v", l.name, method, r))
	}
}
