package capsule

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/any-hub/csproxy/internal/changeset"
	"github.com/any-hub/csproxy/internal/rpcerr"
)

var capsuleBody = []byte("rpm capsule payload")

func capsuleSHA() string {
	sum := sha1.Sum(capsuleBody)
	return hex.EncodeToString(sum[:])
}

func newIndexer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.EscapedPath() {
		case "/foo/" + capsuleSHA():
			_, _ = w.Write(capsuleBody)
		case "/foo/" + capsuleSHA() + "/usr%2Fbin%2Ffoo":
			_, _ = w.Write([]byte("single file"))
		case "/foo/0000000000000000000000000000000000000000":
			_, _ = w.Write([]byte("tampered"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func refEntry(t *testing.T, name string, ref changeset.CapsuleRef) changeset.Entry {
	t.Helper()
	data, err := json.Marshal(ref)
	if err != nil {
		t.Fatalf("marshal ref: %v", err)
	}
	return changeset.Entry{Name: name, Tag: changeset.TagCapsuleRef, Data: data}
}

func writeSource(t *testing.T, dir string, entries ...changeset.Entry) string {
	t.Helper()
	data, err := changeset.Encode(changeset.VersionFileIDIndex, entries...)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, "src.ccs")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func gunzip(t *testing.T, data []byte) string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	return string(out)
}

func TestRewriteReplacesCapsuleRefs(t *testing.T) {
	var hits int32
	indexer := newIndexer(t, &hits)
	dir := t.TempDir()
	src := writeSource(t, dir,
		changeset.Entry{Name: "foo", Tag: changeset.TagTrove, Data: []byte(`{"name":"foo"}`)},
		refEntry(t, "capsule", changeset.CapsuleRef{Package: "foo", SHA1: capsuleSHA()}),
		refEntry(t, "single", changeset.CapsuleRef{Package: "foo", SHA1: capsuleSHA(), Path: "usr/bin/foo"}),
	)

	r, err := New(Options{Indexer: indexer.URL + "/", Concurrency: 2})
	if err != nil {
		t.Fatalf("new reassembler: %v", err)
	}
	out, n, err := r.Rewrite(context.Background(), src, dir)
	if err != nil {
		t.Fatalf("rewrite error: %v", err)
	}
	if n != 2 || out == src {
		t.Fatalf("unexpected rewrite result %s %d", out, n)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 indexer requests, got %d", hits)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	version, entries, err := changeset.Decode(f)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if version != changeset.VersionFileIDIndex || len(entries) != 3 {
		t.Fatalf("unexpected output %s %d entries", version, len(entries))
	}
	if entries[0].Tag != changeset.TagTrove {
		t.Fatalf("非 cref 条目应保持不变: %+v", entries[0])
	}
	if entries[1].Tag != changeset.TagFile || gunzip(t, entries[1].Data) != string(capsuleBody) {
		t.Fatalf("capsule entry not reassembled: %+v", entries[1])
	}
	if entries[2].Name != "single" || gunzip(t, entries[2].Data) != "single file" {
		t.Fatalf("single file entry not reassembled: %+v", entries[2])
	}
	leftovers, _ := filepath.Glob(filepath.Join(dir, "capsule-*"))
	if len(leftovers) != 0 {
		t.Fatalf("下载的临时文件应被清理: %v", leftovers)
	}
}

func TestRewriteWithoutRefsIsNoop(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, changeset.Entry{Name: "foo", Tag: changeset.TagTrove, Data: []byte("{}")})
	r, _ := New(Options{})
	out, n, err := r.Rewrite(context.Background(), src, dir)
	if err != nil || n != 0 || out != src {
		t.Fatalf("unexpected %s %d %v", out, n, err)
	}
}

func TestRewriteFailures(t *testing.T) {
	var hits int32
	indexer := newIndexer(t, &hits)
	cases := []struct {
		name    string
		indexer string
		ref     changeset.CapsuleRef
		kind    rpcerr.Kind
	}{
		{"checksum", indexer.URL, changeset.CapsuleRef{Package: "foo", SHA1: "0000000000000000000000000000000000000000"}, rpcerr.KindRepositoryError},
		{"missing", indexer.URL, changeset.CapsuleRef{Package: "bar", SHA1: capsuleSHA()}, rpcerr.KindTroveMissing},
		{"no indexer", "", changeset.CapsuleRef{Package: "foo", SHA1: capsuleSHA()}, rpcerr.KindInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			src := writeSource(t, dir, refEntry(t, "c", tc.ref))
			r, err := New(Options{Indexer: tc.indexer})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			_, _, err = r.Rewrite(context.Background(), src, dir)
			if !rpcerr.IsKind(err, tc.kind) {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 1 {
				t.Fatalf("失败后只应保留源文件, got %d entries", len(entries))
			}
		})
	}
}

func TestNewRejectsBadIndexer(t *testing.T) {
	if _, err := New(Options{Indexer: "ftp://indexer"}); err == nil {
		t.Fatalf("expected error for non-http indexer")
	}
}
