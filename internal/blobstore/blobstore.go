// Package blobstore keeps uploaded attachment bytes on local disk.
package blobstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"classchat/internal/metrics"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

var _ interfaces.BlobStore = (*DiskStore)(nil)

// Defaults for the local store
const (
	DefaultDir       = "./uploads"
	DefaultURLPrefix = "/uploads/"
	DefaultMaxBytes  = 10 << 20
)

// sniffLen is how much of the upload is inspected for its content type
const sniffLen = 3072

var safeExt = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,10}$`)

// Config locates the store on disk and on the URL space
type Config struct {
	Dir       string `json:"dir" yaml:"dir"`
	URLPrefix string `json:"url_prefix" yaml:"url_prefix"`
	MaxBytes  int64  `json:"max_bytes" yaml:"max_bytes"`
}

// DefaultConfig returns the local development layout
func DefaultConfig() Config {
	return Config{Dir: DefaultDir, URLPrefix: DefaultURLPrefix, MaxBytes: DefaultMaxBytes}
}

// DiskStore writes each upload to its own file under Dir
type DiskStore struct {
	dir       string
	urlPrefix string
	maxBytes  int64
	now       func() time.Time
	logger    zerolog.Logger
}

// NewDiskStore creates the upload directory if needed
func NewDiskStore(config Config, logger zerolog.Logger) (*DiskStore, error) {
	if config.Dir == "" {
		config.Dir = DefaultDir
	}
	if config.URLPrefix == "" {
		config.URLPrefix = DefaultURLPrefix
	}
	if !strings.HasSuffix(config.URLPrefix, "/") {
		config.URLPrefix += "/"
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	return &DiskStore{
		dir:       config.Dir,
		urlPrefix: config.URLPrefix,
		maxBytes:  config.MaxBytes,
		now:       time.Now,
		logger:    logger.With().Str("component", "blobstore").Logger(),
	}, nil
}

// MaxBytes is the largest accepted upload
func (s *DiskStore) MaxBytes() int64 {
	return s.maxBytes
}

// URLPrefix is the path under which stored files are served
func (s *DiskStore) URLPrefix() string {
	return s.urlPrefix
}

// Put stores the bytes of r and returns their descriptor.
// The stored name is "<unix millis>-<random><ext>"; the original name is only kept for display.
func (s *DiskStore) Put(ctx context.Context, originalName string, r io.Reader) (*types.Attachment, error) {
	if r == nil {
		return nil, types.Validation("file is required")
	}
	originalName = displayName(originalName)

	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, types.Upstream("failed to read upload", err)
	}
	if len(head) == 0 {
		return nil, types.Validation("file is empty")
	}
	contentType := mimetype.Detect(head).String()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return nil, types.Upstream("failed to store file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded
		_ = os.Remove(tmpName)
	}()

	written, err := io.Copy(tmp, io.LimitReader(br, s.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil {
		return nil, types.Upstream("failed to store file", err)
	}
	if closeErr != nil {
		return nil, types.Upstream("failed to store file", closeErr)
	}
	if written > s.maxBytes {
		return nil, types.Validation(fmt.Sprintf("file exceeds %d byte limit", s.maxBytes))
	}

	storedName := s.storedName(originalName)
	if err := os.Rename(tmpName, filepath.Join(s.dir, storedName)); err != nil {
		return nil, types.Upstream("failed to store file", err)
	}

	metrics.UploadBytes.Add(float64(written))
	s.logger.Debug().
		Str("stored_name", storedName).
		Str("original_name", originalName).
		Str("content_type", contentType).
		Int64("bytes", written).
		Msg("upload stored")

	return &types.Attachment{
		URL:          s.urlPrefix + storedName,
		OriginalName: originalName,
		ContentType:  contentType,
	}, nil
}

func (s *DiskStore) storedName(originalName string) string {
	ext := filepath.Ext(originalName)
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	return fmt.Sprintf("%d-%d%s", s.now().UnixMilli(), rand.IntN(1_000_000_000), strings.ToLower(ext))
}

// displayName strips any client-supplied directory components
func displayName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// Delete removes a stored file. Attachments outside this store and files
// already gone are ignored.
func (s *DiskStore) Delete(_ context.Context, attachment *types.Attachment) error {
	if attachment == nil {
		return nil
	}
	name, ok := strings.CutPrefix(attachment.URL, s.urlPrefix)
	if !ok || !storedFile(name) {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.Upstream("failed to delete file", err)
	}
	s.logger.Debug().Str("stored_name", name).Msg("upload deleted")
	return nil
}

// storedFile reports whether name could have been produced by storedName
func storedFile(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\\") && !strings.HasPrefix(name, ".")
}

// Handler serves stored files below URLPrefix. Directory listings are refused.
// Only raster images render inline; everything else is sent as a download so
// an uploaded page or script never runs on the service's origin.
func (s *DiskStore) Handler() http.Handler {
	files := http.StripPrefix(strings.TrimSuffix(s.urlPrefix, "/"), http.FileServer(http.Dir(s.dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, s.urlPrefix)
		if name == "" || strings.HasSuffix(name, "/") || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if !inlineImage(name) {
			w.Header().Set("Content-Disposition", "attachment")
		}
		files.ServeHTTP(w, r)
	})
}

// inlineImage reports whether the file type served for name is a raster image
func inlineImage(name string) bool {
	contentType, _, _ := mime.ParseMediaType(mime.TypeByExtension(filepath.Ext(name)))
	return strings.HasPrefix(contentType, "image/") && contentType != "image/svg+xml"
}
