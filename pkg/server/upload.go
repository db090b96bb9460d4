package server

import (
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/emweb-io/emweb/pkg/errors"
)

// Upload is one file received through a multipart/form-data request. The
// temp file is unlinked at request end unless the host config keeps it.
type Upload struct {
	Filename    string // Client-side original name
	TempPath    string // Server-side temp file
	ContentType string
	FieldName   string
	Size        int64
}

func (u *Upload) remove() {
	if u.TempPath != "" {
		os.Remove(u.TempPath)
	}
}

// uploadHandler parses the multipart body into temp files and form fields,
// then runs the registered action so application code can claim the
// files.
func uploadHandler(h *Host, r *Request) {
	if err := h.ParseUploads(r); err != nil {
		r.Error(statusFor(err), err.Error())
		return
	}
	if action := h.findAction(r.Path); action != nil {
		action(r)
		return
	}
	r.Finalize()
}

// ParseUploads scans a multipart/form-data body, spooling file parts into
// the upload directory and plain parts into the form map. maxUpload bounds
// each file; maxUploads bounds the file count.
func (h *Host) ParseUploads(r *Request) error {
	mediaType, params, err := mime.ParseMediaType(r.ContentType)
	if err != nil || mediaType != "multipart/form-data" {
		return errors.NewBadArgs("expected multipart/form-data body")
	}
	boundary := params["boundary"]
	if boundary == "" {
		return errors.NewBadArgs("multipart body without boundary")
	}

	if r.Form == nil {
		r.Form = make(map[string]string)
	}
	limits := &h.Config.Limits
	reader := multipart.NewReader(r, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewProtocolError("malformed multipart body", err)
		}

		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, limits.MaxBody+1))
			part.Close()
			if err != nil {
				return errors.NewReadError("reading form field", err)
			}
			if int64(len(value)) > limits.MaxBody {
				return errors.NewLimitError("maxBody", "form field exceeds limit")
			}
			r.Form[part.FormName()] = string(value)
			continue
		}

		if len(r.Uploads) >= limits.MaxUploads {
			part.Close()
			return errors.NewLimitError("maxUploads", "too many uploaded files")
		}

		upload, err := h.spoolUpload(r, part, limits.MaxUpload)
		part.Close()
		if err != nil {
			return err
		}
		r.Uploads = append(r.Uploads, upload)
	}
}

// spoolUpload copies one file part into a fresh temp file.
func (h *Host) spoolUpload(r *Request, part *multipart.Part, maxUpload int64) (*Upload, error) {
	dir := h.Config.Upload.Dir
	name := filepath.Join(dir, "upload-"+uuid.NewString())
	file, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, errors.Wrap(errors.KindCantComplete, "upload", "creating temp file", err)
	}

	size, err := io.Copy(file, io.LimitReader(part, maxUpload+1))
	file.Close()
	if err != nil {
		os.Remove(name)
		return nil, errors.NewReadError("receiving upload", err)
	}
	if size > maxUpload {
		os.Remove(name)
		return nil, errors.NewLimitError("maxUpload", "uploaded file exceeds limit")
	}

	contentType := part.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Upload{
		Filename:    sanitizeFilename(part.FileName()),
		TempPath:    name,
		ContentType: contentType,
		FieldName:   part.FormName(),
		Size:        size,
	}, nil
}

// sanitizeFilename strips any path the client attached to the name.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return filepath.Base(name)
}
