package proxy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/csproxy/internal/pipeline"
	"github.com/any-hub/csproxy/internal/server"
)

// Changeset 取走查询串指定的 manifest，按顺序拼接其中的文件返回。
// manifest 只能下载一次；Keep 为 false 的文件在流关闭后删除。
func (h *Handler) Changeset(c fiber.Ctx, route *server.OriginRoute) error {
	id := string(c.Request().URI().QueryString())
	items, err := pipeline.TakeManifest(h.tmpDir, id)
	fields := logrus.Fields{
		"action":     "changeset_stream",
		"origin":     route.Config.Name,
		"manifest":   id,
		"request_id": server.RequestID(c),
	}
	if errors.Is(err, pipeline.ErrManifestNotFound) {
		h.logger.WithFields(fields).Warn("manifest_not_found")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "manifest_not_found"})
	}
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Error("manifest_read_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "manifest_read_failed"})
	}

	stream := newManifestReader(items)
	fields["files"] = len(items)
	fields["size"] = humanize.Bytes(uint64(stream.total))
	stream.onClose = func(sent int64, err error) {
		fields["elapsed_ms"] = time.Since(stream.opened).Milliseconds()
		fields["sent"] = sent
		if err != nil {
			h.logger.WithFields(fields).WithError(err).Error("changeset_stream_failed")
			return
		}
		h.logger.WithFields(fields).Info("changeset_stream_complete")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.SendStream(stream, int(stream.total))
}

// manifestReader 依次读取 manifest 中的文件。每个文件只读取声明的字节数，
// 实际更短时返回错误，避免客户端收到错位的流。
type manifestReader struct {
	items   []pipeline.ManifestItem
	total   int64
	idx     int
	cur     *os.File
	left    int64
	sent    int64
	err     error
	closed  bool
	opened  time.Time
	onClose func(sent int64, err error)
}

func newManifestReader(items []pipeline.ManifestItem) *manifestReader {
	r := &manifestReader{items: items, opened: time.Now()}
	for _, item := range items {
		r.total += item.Size
	}
	return r
}

func (r *manifestReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for {
		if r.cur == nil {
			if r.idx >= len(r.items) {
				return 0, io.EOF
			}
			item := r.items[r.idx]
			f, err := os.Open(item.Path)
			if err != nil {
				r.err = fmt.Errorf("open %s: %w", item.Path, err)
				return 0, r.err
			}
			r.cur = f
			r.left = item.Size
		}
		if r.left == 0 {
			r.cur.Close()
			r.cur = nil
			r.idx++
			continue
		}
		if int64(len(p)) > r.left {
			p = p[:r.left]
		}
		n, err := r.cur.Read(p)
		r.left -= int64(n)
		r.sent += int64(n)
		if errors.Is(err, io.EOF) && r.left > 0 {
			r.err = fmt.Errorf("%s: %w", r.items[r.idx].Path, io.ErrUnexpectedEOF)
			return n, r.err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			r.err = err
			return n, err
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Close 删除不保留的文件。未读完也会删除，manifest 已被取走无法重试。
func (r *manifestReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	for _, item := range r.items {
		if !item.Keep {
			_ = os.Remove(item.Path)
		}
	}
	if r.onClose != nil {
		err := r.err
		if err == nil && r.sent < r.total {
			err = fmt.Errorf("stream closed after %d of %d bytes", r.sent, r.total)
		}
		r.onClose(r.sent, err)
	}
	return nil
}
