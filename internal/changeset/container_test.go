package changeset

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestContainerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, VersionFileIDIndex)
	if err != nil {
		t.Fatalf("new writer error: %v", err)
	}
	if err := w.WriteBytes("foo", TagTrove, []byte(`{"name":"foo"}`)); err != nil {
		t.Fatalf("write trove error: %v", err)
	}
	if err := w.WriteBytes("0123", TagFile, []byte("payload")); err != nil {
		t.Fatalf("write file error: %v", err)
	}
	if w.Written() != int64(buf.Len()) {
		t.Fatalf("Written 统计错误: %d != %d", w.Written(), buf.Len())
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("new reader error: %v", err)
	}
	if r.Version() != VersionFileIDIndex {
		t.Fatalf("unexpected version %s", r.Version())
	}

	hdr, _, err := r.Next()
	if err != nil || hdr.Name != "foo" || hdr.Tag != TagTrove {
		t.Fatalf("unexpected first entry %+v err=%v", hdr, err)
	}
	// 未读完的条目应被 Next 跳过
	hdr, data, err := r.Next()
	if err != nil || hdr.Name != "0123" || hdr.Size != 7 {
		t.Fatalf("unexpected second entry %+v err=%v", hdr, err)
	}
	body, _ := io.ReadAll(data)
	if string(body) != "payload" {
		t.Fatalf("unexpected payload %q", body)
	}
	if _, _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestContainerRejectsBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not a changeset")))
	if !errors.Is(err, ErrBadContainer) {
		t.Fatalf("expected ErrBadContainer, got %v", err)
	}
}

func TestContainerTruncatedEntry(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, VersionWithRemoves)
	_ = w.WriteBytes("f", TagFile, bytes.Repeat([]byte("x"), 100))
	truncated := buf.Bytes()[:buf.Len()-10]

	r, err := NewReader(bytes.NewReader(truncated))
	if err != nil {
		t.Fatalf("new reader error: %v", err)
	}
	_, data, err := r.Next()
	if err != nil {
		t.Fatalf("next error: %v", err)
	}
	if _, err := io.ReadAll(data); !errors.Is(err, ErrBadContainer) {
		t.Fatalf("截断条目应返回 ErrBadContainer, got %v", err)
	}
}

func TestReadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cs")
	var buf bytes.Buffer
	_, _ = NewWriter(&buf, VersionNoRemoves)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	v, err := ReadVersion(path)
	if err != nil || v != VersionNoRemoves {
		t.Fatalf("ReadVersion = %s, %v", v, err)
	}
}

func TestVersionForProtocol(t *testing.T) {
	cases := []struct {
		protocol int
		want     Version
	}{
		{36, VersionNoRemoves},
		{37, VersionNoRemoves},
		{38, VersionWithRemoves},
		{42, VersionWithRemoves},
		{43, VersionFileIDIndex},
		{71, VersionFileIDIndex},
	}
	for _, tc := range cases {
		if got := VersionForProtocol(tc.protocol); got != tc.want {
			t.Fatalf("protocol %d: got %s want %s", tc.protocol, got, tc.want)
		}
	}
	if Version(1).Known() {
		t.Fatalf("unknown version reported as known")
	}
}
