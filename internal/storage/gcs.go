package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSFetcher downloads objects from Google Cloud Storage. The client is
// created per fetch so that no credentials are needed when nothing is fetched.
type GCSFetcher struct {
	opts []option.ClientOption
}

func NewGCSFetcher(credentialsFile string) *GCSFetcher {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return &GCSFetcher{opts: opts}
}

func (f *GCSFetcher) Fetch(ctx context.Context, bucket, object string, w io.Writer) error {
	client, err := storage.NewClient(ctx, f.opts...)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open object: %w", err)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("read object: %w", err)
	}
	return nil
}
