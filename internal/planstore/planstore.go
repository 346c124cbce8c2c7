// Package planstore turns a plan location into a local file path. Plain
// paths are used as-is; gs://bucket/object URIs are downloaded once into a
// cache directory.
package planstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"google.golang.org/api/option"

	"github.com/23skdu/xinfer/internal/logger"
)

var ErrNotFound = errors.New("plan not found")

// Opener reads one object from a bucket.
type Opener interface {
	Open(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

type Store struct {
	cacheDir string
	log      *logger.Logger

	mu     sync.Mutex
	opener Opener
	newGCS func(ctx context.Context) (Opener, error)
}

type Option func(*Store)

// WithOpener replaces the GCS client, mainly for tests.
func WithOpener(o Opener) Option {
	return func(s *Store) { s.opener = o }
}

// WithEndpoint points the GCS client at an emulator or private endpoint
// without credentials.
func WithEndpoint(endpoint string) Option {
	return func(s *Store) {
		s.newGCS = func(ctx context.Context) (Opener, error) {
			return NewGCSOpener(ctx, option.WithEndpoint(endpoint), option.WithoutAuthentication())
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(cacheDir string, opts ...Option) *Store {
	s := &Store{
		cacheDir: cacheDir,
		log:      logger.Log,
		newGCS: func(ctx context.Context) (Opener, error) {
			return NewGCSOpener(ctx)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns a local path holding the plan named by uri.
func (s *Store) Resolve(ctx context.Context, uri string) (string, error) {
	bucket, object, ok := parseGCS(uri)
	if !ok {
		if _, err := os.Stat(uri); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
			}
			return "", fmt.Errorf("stat plan %s: %w", uri, err)
		}
		return uri, nil
	}
	if bucket == "" || object == "" {
		return "", fmt.Errorf("invalid plan uri %q: want gs://bucket/object", uri)
	}

	dest := filepath.Join(s.cacheDir, bucket, filepath.FromSlash(object))
	if !strings.HasPrefix(dest, filepath.Clean(s.cacheDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid plan uri %q: object escapes cache dir", uri)
	}
	if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
		s.log.Debug("using cached plan", "uri", uri, "path", dest)
		return dest, nil
	}

	opener, err := s.gcs(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	s.log.Info("downloading plan", "uri", uri, "destination", dest)
	startedAt := time.Now()
	r, err := opener.Open(ctx, bucket, object)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, uri)
		}
		return "", fmt.Errorf("opening %s: %w", uri, err)
	}
	defer r.Close()

	n, err := writeToFile(r, dest, s.log)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", uri, err)
	}
	s.log.Info("downloaded plan", "uri", uri, "size", humanize.IBytes(uint64(n)), "duration", time.Since(startedAt))
	return dest, nil
}

func (s *Store) gcs(ctx context.Context) (Opener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opener == nil {
		o, err := s.newGCS(ctx)
		if err != nil {
			return nil, err
		}
		s.opener = o
	}
	return s.opener, nil
}

// Close releases the GCS client if one was created.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.opener.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func parseGCS(uri string) (bucket, object string, ok bool) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", false
	}
	bucket, object, _ = strings.Cut(rest, "/")
	return bucket, object, true
}

// writeToFile streams src into a temp file beside dest and renames it into
// place, so a partial download never appears at dest.
func writeToFile(src io.Reader, dest string, log *logger.Logger) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(dest), "download")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error("removing temp file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error("closing temp file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, fmt.Errorf("copying from upstream: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), dest); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return n, nil
}
