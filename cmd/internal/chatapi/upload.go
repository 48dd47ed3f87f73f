package chatapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"parley/cmd/internal/httpx"
	v1 "parley/shared/contracts/realtime/v1"
)

// DefaultMaxUpload bounds a single attachment.
const DefaultMaxUpload int64 = 10 << 20

// UploadConfig configures attachment storage.
type UploadConfig struct {
	// Dir is where files are written. Created on first upload.
	Dir string
	// URLPrefix is the public path files are served under.
	URLPrefix string
	MaxBytes  int64
}

func (c UploadConfig) withDefaults() UploadConfig {
	if c.Dir == "" {
		c.Dir = "uploads"
	}
	if c.URLPrefix == "" {
		c.URLPrefix = "/uploads/"
	}
	if !strings.HasSuffix(c.URLPrefix, "/") {
		c.URLPrefix += "/"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxUpload
	}
	return c
}

// allowedTypes maps sniffed content types to stored file extensions.
var allowedTypes = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
}

type uploadResponse struct {
	Status     string        `json:"status"`
	Message    string        `json:"message"`
	Attachment v1.Attachment `json:"attachment"`
}

// Upload stores the multipart "attachment" file and returns its descriptor.
// The content type is sniffed from the file, never taken from the client.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	cfg := h.uploads
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBytes+64<<10)

	f, hdr, err := r.FormFile("attachment")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httpx.WriteStatus(w, http.StatusRequestEntityTooLarge, httpx.StatusFail, "File too large")
			return
		}
		httpx.WriteFail(w, "No file uploaded")
		return
	}
	defer func() { _ = f.Close() }()

	if hdr.Size > cfg.MaxBytes {
		httpx.WriteStatus(w, http.StatusRequestEntityTooLarge, httpx.StatusFail, "File too large")
		return
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, "File upload failed")
		return
	}
	head = head[:n]
	if n == 0 {
		httpx.WriteFail(w, "Empty file")
		return
	}

	mimeType := sniffType(head)
	ext, ok := allowedTypes[mimeType]
	if !ok {
		httpx.WriteFail(w, "Invalid file type. Allowed types: PNG, JPEG, PDF, TXT")
		return
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		h.log.Error("upload.dir.fail", "dir", cfg.Dir, "err", err)
		httpx.WriteError(w, "File upload failed")
		return
	}

	stored := uuid.NewString() + ext
	dst, err := os.OpenFile(filepath.Join(cfg.Dir, stored), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		h.log.Error("upload.create.fail", "err", err)
		httpx.WriteError(w, "File upload failed")
		return
	}

	size, err := io.Copy(dst, io.MultiReader(bytes.NewReader(head), f))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		h.log.Error("upload.write.fail", "err", err)
		httpx.WriteError(w, "File upload failed")
		return
	}

	now := time.Now().UTC()
	h.log.Info("upload.stored", "file", stored, "type", mimeType, "bytes", size)
	httpx.WriteJSON(w, http.StatusOK, uploadResponse{
		Status:  httpx.StatusSuccess,
		Message: "File uploaded successfully",
		Attachment: v1.Attachment{
			URL:        path.Join(cfg.URLPrefix, stored),
			Name:       displayName(hdr.Filename),
			MimeType:   mimeType,
			SizeLabel:  FormatSize(size),
			UploadedAt: &now,
		},
	})
}

// FilesHandler serves stored uploads without directory listings.
func (h *Handler) FilesHandler() http.Handler {
	fs := http.StripPrefix(h.uploads.URLPrefix, http.FileServer(http.Dir(h.uploads.Dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

// URLPrefix returns the public path uploads are served under.
func (h *Handler) URLPrefix() string { return h.uploads.URLPrefix }

// FormatSize renders a byte count as "N B", "N.N KB" or "N.N MB".
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%d B", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}

func sniffType(head []byte) string {
	ct := http.DetectContentType(head)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
