package pipeline

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/cache"
	"github.com/any-hub/csproxy/internal/capsule"
	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/config"
	"github.com/any-hub/csproxy/internal/cscache"
	"github.com/any-hub/csproxy/internal/logging"
	"github.com/any-hub/csproxy/internal/origin"
	"github.com/any-hub/csproxy/internal/origin/origintest"
)

type testEnv struct {
	repo     *origintest.Repository
	factory  *origin.Factory
	cache    *cscache.Cache
	deps     Deps
	svc      *Service
	cacheDir string
	tmpDir   string
	audit    *syncBuffer
}

type envOptions struct {
	lockCap   int
	singleJob bool
	capsules  *capsule.Reassembler
}

// syncBuffer 允许多个 goroutine 同时写审计日志。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		cacheDir: filepath.Join(root, "cache"),
		tmpDir:   filepath.Join(root, "tmp"),
		audit:    &syncBuffer{},
	}
	originTmp := filepath.Join(root, "origin")
	if err := os.MkdirAll(originTmp, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	env.repo = origintest.New(originTmp)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	audit := logrus.New()
	audit.SetOutput(env.audit)
	audit.SetFormatter(&logging.AuditFormatter{})

	store, err := cache.NewStore(env.cacheDir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	scratch, err := cache.NewScratch(env.tmpDir)
	if err != nil {
		t.Fatalf("new scratch: %v", err)
	}
	env.cache = cscache.New(store, cscache.Options{LockCap: opts.lockCap, Logger: logger, Audit: audit})
	env.factory = origin.NewFactory(nil, logger, nil)
	env.factory.RegisterRepository("upstream", env.repo)
	env.deps = Deps{
		Cache:    env.cache,
		Capsules: opts.capsules,
		Scratch:  scratch,
		Callers:  env.factory,
		Logger:   logger,
	}
	env.svc = env.newService(t, config.OriginConfig{
		Name:      "main",
		Domain:    "main.local",
		Upstream:  "origin://upstream",
		SingleJob: opts.singleJob,
	})
	return env
}

func (e *testEnv) newService(t *testing.T, cfg config.OriginConfig) *Service {
	t.Helper()
	svc, err := NewService(config.OriginRuntime{Config: cfg}, e.deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

// cachePayloads 返回缓存目录中的 payload 文件（不含 sidecar、锁文件与临时文件）。
func (e *testEnv) cachePayloads(t *testing.T) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(e.cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		name := info.Name()
		if strings.HasSuffix(name, ".data") || strings.HasSuffix(name, ".lck") || strings.HasPrefix(name, ".cache-") {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		t.Fatalf("walk cache dir: %v", err)
	}
	return out
}

func (e *testEnv) regularFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func testJob(name string) changeset.Job {
	return changeset.Job{Name: name, NewVersion: "/conary.example.com@rpl:1/1.0-1-1", NewFlavor: "is: x86_64", Absolute: true}
}

func mustContent(t *testing.T, job changeset.Job, v changeset.Version) []byte {
	t.Helper()
	data, err := origintest.Content(job, v)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	return data
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
