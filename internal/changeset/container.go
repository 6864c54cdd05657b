package changeset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Magic 是容器文件的前四个字节。
var Magic = [4]byte{0xEA, 0x3F, 0x81, 0xBB}

const (
	subfileMagic = 0x3FBB
	headerSize   = 8
	entryFixed   = 10
)

// 条目 tag。
const (
	TagTrove      = "trov"
	TagRemoved    = "rmvd"
	TagFile       = "file"
	TagCapsuleRef = "cref"
)

// ErrBadContainer 表示容器头部或条目帧损坏。
var ErrBadContainer = errors.New("bad changeset container")

// EntryHeader 描述容器中的一个条目。
type EntryHeader struct {
	Name string
	Tag  string
	Size int64
}

// Reader 顺序读取容器条目，条目数据以 io.Reader 形式暴露，避免整体载入内存。
type Reader struct {
	r       *bufio.Reader
	version Version
	pending io.Reader
}

// NewReader 读取并校验容器头部。
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadContainer)
	}
	if !bytes.Equal(hdr[:4], Magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrBadContainer)
	}
	return &Reader{
		r:       br,
		version: Version(binary.BigEndian.Uint32(hdr[4:])),
	}, nil
}

// Version 返回头部记录的容器版本。
func (r *Reader) Version() Version {
	return r.version
}

// Next 返回下一个条目；容器结束时返回 io.EOF。上一个条目未读完的数据会被跳过。
func (r *Reader) Next() (EntryHeader, io.Reader, error) {
	if r.pending != nil {
		if _, err := io.Copy(io.Discard, r.pending); err != nil {
			return EntryHeader{}, nil, err
		}
		r.pending = nil
	}

	var fixed [entryFixed]byte
	n, err := io.ReadFull(r.r, fixed[:])
	if err == io.EOF && n == 0 {
		return EntryHeader{}, nil, io.EOF
	}
	if err != nil {
		return EntryHeader{}, nil, fmt.Errorf("%w: short entry header", ErrBadContainer)
	}
	if binary.BigEndian.Uint16(fixed[0:2]) != subfileMagic {
		return EntryHeader{}, nil, fmt.Errorf("%w: bad entry magic", ErrBadContainer)
	}
	nameLen := int(binary.BigEndian.Uint16(fixed[2:4]))
	size := int64(binary.BigEndian.Uint32(fixed[4:8]))
	tagLen := int(binary.BigEndian.Uint16(fixed[8:10]))

	buf := make([]byte, nameLen+tagLen)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return EntryHeader{}, nil, fmt.Errorf("%w: short entry name", ErrBadContainer)
	}
	hdr := EntryHeader{
		Name: string(buf[:nameLen]),
		Tag:  string(buf[nameLen:]),
		Size: size,
	}
	r.pending = &strictReader{r: io.LimitReader(r.r, size), want: size}
	return hdr, r.pending, nil
}

// strictReader 在底层提前 EOF 时返回 ErrBadContainer，防止截断容器被当作完整数据。
type strictReader struct {
	r    io.Reader
	want int64
	got  int64
}

func (s *strictReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.got += int64(n)
	if err == io.EOF && s.got < s.want {
		return n, fmt.Errorf("%w: truncated entry", ErrBadContainer)
	}
	return n, err
}

// Writer 顺序写入容器条目。
type Writer struct {
	w       io.Writer
	written int64
}

// NewWriter 写入容器头部。
func NewWriter(w io.Writer, version Version) (*Writer, error) {
	var hdr [headerSize]byte
	copy(hdr[:4], Magic[:])
	binary.BigEndian.PutUint32(hdr[4:], uint32(version))
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return &Writer{w: w, written: headerSize}, nil
}

// WriteEntry 写入一个条目；data 必须恰好提供 size 字节。
func (w *Writer) WriteEntry(name, tag string, size int64, data io.Reader) error {
	if len(name) > 0xFFFF || len(tag) > 0xFFFF || size > 0xFFFFFFFF || size < 0 {
		return fmt.Errorf("%w: entry %q too large", ErrBadContainer, name)
	}
	var fixed [entryFixed]byte
	binary.BigEndian.PutUint16(fixed[0:2], subfileMagic)
	binary.BigEndian.PutUint16(fixed[2:4], uint16(len(name)))
	binary.BigEndian.PutUint32(fixed[4:8], uint32(size))
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(tag)))
	if _, err := w.w.Write(fixed[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, name); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, tag); err != nil {
		return err
	}
	copied, err := io.CopyN(w.w, data, size)
	if err != nil {
		return fmt.Errorf("write entry %q: %w", name, err)
	}
	w.written += int64(entryFixed+len(name)+len(tag)) + copied
	return nil
}

// WriteBytes 是 WriteEntry 的便捷形式。
func (w *Writer) WriteBytes(name, tag string, data []byte) error {
	return w.WriteEntry(name, tag, int64(len(data)), bytes.NewReader(data))
}

// Written 返回已写入的总字节数（含头部）。
func (w *Writer) Written() int64 {
	return w.written
}

// ReadVersion 读取磁盘容器的头部版本。
func ReadVersion(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		return 0, err
	}
	return r.Version(), nil
}

// Entry 是内存中的完整条目，用于构造小型容器。
type Entry struct {
	Name string
	Tag  string
	Data []byte
}

// Encode 将条目编码为完整容器。
func Encode(version Version, entries ...Entry) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, version)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.WriteBytes(e.Name, e.Tag, e.Data); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode 读取全部条目，仅适用于小型容器。
func Decode(r io.Reader) (Version, []Entry, error) {
	cr, err := NewReader(r)
	if err != nil {
		return 0, nil, err
	}
	var out []Entry
	for {
		hdr, data, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return cr.Version(), out, nil
		}
		if err != nil {
			return 0, nil, err
		}
		body, err := io.ReadAll(data)
		if err != nil {
			return 0, nil, err
		}
		out = append(out, Entry{Name: hdr.Name, Tag: hdr.Tag, Data: body})
	}
}
