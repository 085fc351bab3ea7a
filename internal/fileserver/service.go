// Package fileserver stores chat attachments on local disk (gzip-compressed) and serves them
// back under /api/files/.
package fileserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/bandhub/messenger/internal/apperr"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/model"
)

const URLPrefix = "/api/files/"

// Executables and scripts are refused; everything else is accepted.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// Service is the disk storage.BlobStore.
type Service struct {
	UploadDir string
}

func New(uploadDir string) *Service {
	return &Service{UploadDir: uploadDir}
}

// Upload writes data gzip-compressed under the relative blob path p and returns its URL.
func (s *Service) Upload(ctx context.Context, data []byte, p string) (string, error) {
	defer logger.DeferLogDuration("blob.Upload", time.Now())()
	clean, ok := cleanPath(p)
	if !ok {
		return "", apperr.InvalidArgument("bad blob path %q", p)
	}
	dstPath := filepath.Join(s.UploadDir, filepath.FromSlash(clean)) + ".gz"
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return "", apperr.Transient("blob.Upload mkdir", err)
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return "", apperr.Transient("blob.Upload create", err)
	}
	gz := gzip.NewWriter(dst)
	if err := copyWithContext(ctx, gz, bytes.NewReader(data)); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", apperr.Transient("blob.Upload write", err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", apperr.Transient("blob.Upload flush", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		return "", apperr.Transient("blob.Upload close", err)
	}
	return URLPrefix + clean, nil
}

// Serve streams the blob at relative path p; query name= sets the download file name.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, p string) {
	clean, ok := cleanPath(p)
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	local := filepath.Join(s.UploadDir, filepath.FromSlash(clean))

	if ct := contentTypeByExt(path.Ext(clean)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := SafeFilename(origName); safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			if ascii := asciiFallbackFilename(safe); ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}

	if f, err := os.Open(local + ".gz"); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			logger.Errorf("fileserver: open %s: %v", clean, err)
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}
		defer gz.Close()
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, gz); err != nil {
			logger.Debugf("fileserver: stream %s: %v", clean, err)
		}
		return
	}
	if f, err := os.Open(local); err == nil {
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, f)
		return
	}
	http.Error(w, "file not found", http.StatusNotFound)
}

// cleanPath rejects absolute paths and anything escaping the upload root.
func cleanPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

// IsImage reports whether fileName has one of the inline-image extensions.
func IsImage(fileName string) bool {
	return imageExt[strings.ToLower(filepath.Ext(fileName))]
}

// AttachmentPath places an upload under chats/{chatID}/images or chats/{chatID}/files and
// prefixes the sanitized name with the upload time in unix milliseconds.
func AttachmentPath(chatID, fileName string, now time.Time) (string, model.MessageKind) {
	kind, dir := model.MessageKindFile, "files"
	if IsImage(fileName) {
		kind, dir = model.MessageKindImage, "images"
	}
	name := strings.ReplaceAll(SafeFilename(path.Base(strings.ReplaceAll(fileName, "\\", "/"))), " ", "_")
	if name == "" || name == "." {
		name = "file"
	}
	return fmt.Sprintf("chats/%s/%s/%d_%s", chatID, dir, now.UnixMilli(), name), kind
}

// CheckContent refuses blocked extensions and content whose leading bytes contradict the extension.
func CheckContent(fileName string, data []byte) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if BlockedExt[ext] {
		return apperr.InvalidArgument("file type %s not allowed", ext)
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	if !matchMagic(ext, head) {
		return apperr.InvalidArgument("file content does not match %s", ext)
	}
	return nil
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

// FormatFileSize renders n bytes as "512 B", "1.5 KB", "3.2 MB" or "1.1 GB".
func FormatFileSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB"}
	v := float64(n) / unit
	i := 0
	for v >= unit && i < len(units)-1 {
		v /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", v, units[i])
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// SafeFilename strips control characters, quotes and separators; UTF-8 letters survive.
func SafeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("upload cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
