package fingerprint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/origin/origintest"
)

var testJobs = []changeset.Job{
	{Name: "foo:runtime", NewVersion: "/l@r:1/1-1-1", NewFlavor: "is: x86", Absolute: true},
	{Name: "bar:runtime", NewVersion: "/l@r:1/2-1-1", NewFlavor: "is: x86", Absolute: true},
}

func newCaller(t *testing.T) (*origintest.Repository, origin.Caller) {
	t.Helper()
	repo := origintest.New(t.TempDir())
	return repo, origin.NewLocalCaller("main", repo)
}

func TestLookupMemoizes(t *testing.T) {
	repo, caller := newCaller(t)
	r := New(Options{MemoSize: 16, TTL: time.Minute})

	first, err := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if len(first) != 2 || first[0] == "" || first[0] == first[1] {
		t.Fatalf("unexpected fingerprints %v", first)
	}
	// 修改返回值不能污染记忆
	first[0] = "mutated"

	second, err := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	if err != nil {
		t.Fatalf("second lookup error: %v", err)
	}
	if second[0] == "mutated" {
		t.Fatalf("memo returned shared slice")
	}
	if calls := repo.Calls(origin.MethodGetChangeSetFingerprints); calls != 1 {
		t.Fatalf("expected 1 origin call, got %d", calls)
	}
}

func TestLookupMemoKeyIncludesCredential(t *testing.T) {
	repo, caller := newCaller(t)
	r := New(Options{MemoSize: 16, TTL: time.Minute})
	ctx := context.Background()

	if _, err := r.Lookup(ctx, caller, origin.Credential{}, 71, testJobs, origin.Flags{}); err != nil {
		t.Fatalf("anonymous lookup: %v", err)
	}
	if _, err := r.Lookup(ctx, caller, origin.Credential{User: "alice", Password: "pw"}, 71, testJobs, origin.Flags{}); err != nil {
		t.Fatalf("credential lookup: %v", err)
	}
	if _, err := r.Lookup(ctx, caller, origin.Credential{}, 71, testJobs, origin.Flags{Recurse: true}); err != nil {
		t.Fatalf("flags lookup: %v", err)
	}
	if calls := repo.Calls(origin.MethodGetChangeSetFingerprints); calls != 3 {
		t.Fatalf("不同凭证或开关不应共享记忆, got %d calls", calls)
	}
}

func TestLookupMethodNotSupported(t *testing.T) {
	repo, caller := newCaller(t)
	repo.NoFingerprints = true
	r := New(Options{MemoSize: 16, TTL: time.Minute})

	for i := 0; i < 2; i++ {
		fps, err := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
		if err != nil {
			t.Fatalf("lookup error: %v", err)
		}
		if len(fps) != len(testJobs) || fps[0] != "" || fps[1] != "" {
			t.Fatalf("expected empty fingerprints, got %v", fps)
		}
	}
	if calls := repo.Calls(origin.MethodGetChangeSetFingerprints); calls != 2 {
		t.Fatalf("不支持指纹的结果不应被记忆, got %d calls", calls)
	}
}

func TestLookupMemoDisabled(t *testing.T) {
	repo, caller := newCaller(t)
	r := New(Options{MemoSize: 16})
	for i := 0; i < 3; i++ {
		if _, err := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{}); err != nil {
			t.Fatalf("lookup error: %v", err)
		}
	}
	if calls := repo.Calls(origin.MethodGetChangeSetFingerprints); calls != 3 {
		t.Fatalf("TTL 为 0 时应每次访问源仓库, got %d", calls)
	}
}

func TestLookupEmptyJobs(t *testing.T) {
	repo, caller := newCaller(t)
	fps, err := New(Options{}).Lookup(context.Background(), caller, origin.Credential{}, 71, nil, origin.Flags{})
	if err != nil || len(fps) != 0 {
		t.Fatalf("unexpected %v %v", fps, err)
	}
	if repo.Calls(origin.MethodGetChangeSetFingerprints) != 0 {
		t.Fatalf("empty job list should not reach origin")
	}
}

type slowCaller struct {
	origin.Caller
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *slowCaller) GetChangeSetFingerprints(ctx context.Context, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) ([]string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-s.release
	return s.Caller.GetChangeSetFingerprints(ctx, cred, protocol, jobs, flags)
}

func TestLookupCollapsesConcurrentCalls(t *testing.T) {
	_, inner := newCaller(t)
	caller := &slowCaller{Caller: inner, release: make(chan struct{})}
	r := New(Options{})

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
		}(i)
	}
	// 给其余 goroutine 时间加入同一个 singleflight 调用
	time.Sleep(50 * time.Millisecond)
	close(caller.release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil || len(results[i]) != 2 {
			t.Fatalf("worker %d: %v %v", i, results[i], errs[i])
		}
	}
	caller.mu.Lock()
	defer caller.mu.Unlock()
	if caller.calls < 1 || caller.calls >= workers {
		t.Fatalf("expected concurrent lookups to be collapsed, got %d calls", caller.calls)
	}
}

func TestLookupDropsInvalidFingerprints(t *testing.T) {
	repo, caller := newCaller(t)
	repo.FingerprintOf = func(job changeset.Job) string {
		if job.Name == "foo:runtime" {
			return "fp:not-hex/xyz"
		}
		return "abcdef0123456789"
	}
	r := New(Options{MemoSize: 16, TTL: time.Minute})

	fps, err := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	if err != nil {
		t.Fatalf("非法指纹不应导致失败: %v", err)
	}
	if fps[0] != "" || fps[1] != "abcdef0123456789" {
		t.Fatalf("invalid fingerprint should become uncacheable, got %v", fps)
	}
	memo, _ := r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	if memo[0] != "" {
		t.Fatalf("memo kept invalid fingerprint: %v", memo)
	}
}

// ctxCaller 在放行后检查调用上下文，模拟尊重取消的传输层。
type ctxCaller struct {
	origin.Caller
	release chan struct{}
}

func (c *ctxCaller) GetChangeSetFingerprints(ctx context.Context, cred origin.Credential, protocol int, jobs []changeset.Job, flags origin.Flags) ([]string, error) {
	<-c.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.Caller.GetChangeSetFingerprints(ctx, cred, protocol, jobs, flags)
}

func TestLookupSharedCallSurvivesFirstCallerCancel(t *testing.T) {
	_, inner := newCaller(t)
	caller := &ctxCaller{Caller: inner, release: make(chan struct{})}
	r := New(Options{})

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = r.Lookup(firstCtx, caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	}()
	time.Sleep(20 * time.Millisecond)

	var (
		fps []string
		err error
	)
	go func() {
		defer wg.Done()
		fps, err = r.Lookup(context.Background(), caller, origin.Credential{}, 71, testJobs, origin.Flags{})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(caller.release)
	wg.Wait()

	if err != nil || len(fps) != 2 {
		t.Fatalf("首个调用方取消不应影响其他等待者: %v %v", fps, err)
	}
}
