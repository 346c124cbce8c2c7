package planstore

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOpener reads objects through a Cloud Storage client.
type GCSOpener struct {
	client *storage.Client
}

func NewGCSOpener(ctx context.Context, opts ...option.ClientOption) (*GCSOpener, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	return &GCSOpener{client: client}, nil
}

func (g *GCSOpener) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (g *GCSOpener) Close() error {
	return g.client.Close()
}
