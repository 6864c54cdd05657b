package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/any-hub/csproxy/internal/capsule"
	"github.com/any-hub/csproxy/internal/changeset"
)

func TestRunReassemblesCapsules(t *testing.T) {
	payload := []byte("capsule bytes")
	sum := sha1.Sum(payload)
	digest := hex.EncodeToString(sum[:])
	indexer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pkg/"+digest {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer indexer.Close()

	reassembler, err := capsule.New(capsule.Options{Indexer: indexer.URL, Concurrency: 2})
	if err != nil {
		t.Fatalf("new reassembler: %v", err)
	}
	env := newTestEnv(t, envOptions{capsules: reassembler})
	job := testJob("pkg")
	env.repo.Set(job.Name, func(job changeset.Job, v changeset.Version) ([]byte, error) {
		ref, _ := json.Marshal(changeset.CapsuleRef{Package: "pkg", SHA1: digest})
		return changeset.Encode(v,
			changeset.Entry{Name: job.Name, Tag: changeset.TagTrove, Data: []byte("{}")},
			changeset.Entry{Name: "capsule", Tag: changeset.TagCapsuleRef, Data: ref},
		)
	})

	res, err := env.svc.Run(context.Background(), Request{ClientProtocol: 71, Jobs: []changeset.Job{job}})
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	defer res.Discard()
	info := res.Infos[0]
	if !info.Cached {
		t.Fatalf("reassembled changeset should be cached")
	}
	f, err := os.Open(info.Path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	_, entries, err := changeset.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[1].Tag != changeset.TagFile {
		t.Fatalf("capsule ref not replaced: %+v", entries)
	}
	if stat, _ := os.Stat(info.Path); stat.Size() != info.Size {
		t.Fatalf("Size 应为改写后的大小")
	}
	if files := env.regularFiles(t, env.tmpDir); len(files) != 0 {
		t.Fatalf("temporary files left behind: %v", files)
	}
}
