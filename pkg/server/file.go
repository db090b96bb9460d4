package server

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/emweb-io/emweb/pkg/httpx"
)

// fileHandler serves documents with conditional-request and byte-range
// semantics. Only GET and HEAD reach the filesystem.
func fileHandler(h *Host, r *Request) {
	if !r.Get && !r.Head {
		r.SetHeader("Allow", "GET, HEAD")
		r.Error(405, "")
		return
	}

	fsPath := filepath.Join(h.Config.Documents, filepath.FromSlash(r.Path))
	info, err := os.Stat(fsPath)
	if err == nil && info.IsDir() {
		fsPath = filepath.Join(fsPath, h.Config.Index)
		info, err = os.Stat(fsPath)
	}
	if err != nil {
		r.Error(404, "")
		return
	}

	contentType := httpx.MimeType(fsPath)

	// Pre-compressed variant selection. The entity tag derives from the
	// variant actually served.
	if r.route != nil && r.route.Compressed {
		accept := r.Headers.Get("Accept-Encoding")
		for _, variant := range []struct{ ext, encoding string }{
			{".br", "br"},
			{".gz", "gzip"},
		} {
			if !strings.Contains(accept, variant.encoding) {
				continue
			}
			if vi, err := os.Stat(fsPath + variant.ext); err == nil && !vi.IsDir() {
				fsPath += variant.ext
				info = vi
				r.SetHeader("Content-Encoding", variant.encoding)
				break
			}
		}
	}

	mtime := info.ModTime()
	size := info.Size()
	tag := httpx.FileTag(mtime, size)

	switch r.Conditionals.Evaluate(tag, mtime, true) {
	case httpx.CondFailed:
		r.Error(412, "")
		return
	case httpx.CondNotModified:
		r.SetHeader("ETag", tag.String())
		r.SetStatus(304)
		r.Finalize()
		return
	}

	r.SetHeader("Last-Modified", httpx.FormatDate(mtime))
	r.SetHeader("ETag", tag.String())
	h.applyCacheDirectives(r, fsPath)

	file, err := os.Open(fsPath)
	if err != nil {
		r.Error(404, "")
		return
	}
	defer file.Close()

	if len(r.Ranges) > 0 && r.Conditionals.RangeApplies(tag, mtime) {
		serveRanges(r, file, contentType, size)
		return
	}

	r.SetHeader("Content-Type", contentType)
	r.SetContentLength(size)
	if r.Head {
		r.Finalize()
		return
	}
	if err := copyFileRange(r, file, 0, size); err != nil {
		return
	}
	r.Finalize()
}

// applyCacheDirectives sets the route's client-cache policy, restricted to
// the configured extensions when present.
func (h *Host) applyCacheDirectives(r *Request, fsPath string) {
	route := r.route
	if route == nil {
		return
	}
	if len(route.Extensions) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fsPath), "."))
		if !route.Extensions[ext] {
			return
		}
	}
	switch {
	case route.CacheDirectives != "":
		r.SetHeader("Cache-Control", route.CacheDirectives)
	case route.CacheMaxAge > 0:
		r.SetHeader("Cache-Control", "max-age="+strconv.Itoa(route.CacheMaxAge))
	}
}

// serveRanges answers 206 with either a plain Content-Range or a
// multipart/byteranges body. Any unsatisfiable range is a 416.
func serveRanges(r *Request, file *os.File, contentType string, size int64) {
	ranges := make([]httpx.ByteRange, 0, len(r.Ranges))
	for _, spec := range r.Ranges {
		resolved, ok := spec.Resolve(size)
		if !ok {
			r.SetHeader("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			r.Error(416, "")
			return
		}
		ranges = append(ranges, resolved)
	}

	r.SetStatus(206)

	if len(ranges) == 1 {
		rg := ranges[0]
		r.SetHeader("Content-Type", contentType)
		r.SetHeader("Content-Range", rg.ContentRange(size))
		r.SetContentLength(rg.Len())
		if r.Head {
			r.Finalize()
			return
		}
		if err := copyFileRange(r, file, rg.Start, rg.Len()); err != nil {
			return
		}
		r.Finalize()
		return
	}

	boundary := uuid.NewString()
	r.SetHeader("Content-Type", "multipart/byteranges; boundary="+boundary)

	parts := make([]string, len(ranges))
	total := int64(0)
	for i, rg := range ranges {
		parts[i] = "--" + boundary + "\r\n" +
			"Content-Type: " + contentType + "\r\n" +
			"Content-Range: " + rg.ContentRange(size) + "\r\n\r\n"
		total += int64(len(parts[i])) + rg.Len() + 2 // part head + data + CRLF
	}
	closing := "--" + boundary + "--\r\n"
	total += int64(len(closing))
	r.SetContentLength(total)

	if r.Head {
		r.Finalize()
		return
	}
	for i, rg := range ranges {
		if _, err := r.WriteString(parts[i]); err != nil {
			return
		}
		if err := copyFileRange(r, file, rg.Start, rg.Len()); err != nil {
			return
		}
		if _, err := r.WriteString("\r\n"); err != nil {
			return
		}
	}
	if _, err := r.WriteString(closing); err != nil {
		return
	}
	r.Finalize()
}

// copyFileRange streams length bytes from offset through the response
// write path in sendfile-sized chunks.
func copyFileRange(r *Request, file *os.File, offset, length int64) error {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		r.closeAfter = true
		return err
	}
	chunk := make([]byte, 64*1024)
	remaining := length
	for remaining > 0 {
		limit := int64(len(chunk))
		if limit > remaining {
			limit = remaining
		}
		n, err := file.Read(chunk[:limit])
		if n > 0 {
			if _, werr := r.Write(chunk[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err != nil {
			r.closeAfter = true
			return err
		}
	}
	return nil
}
