package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// ObjectFetcher streams a remote object into w.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, object string, w io.Writer) error
}

type RemoteLocation struct {
	Bucket string
	Object string
}

func (l RemoteLocation) String() string {
	return fmt.Sprintf("gs://%s/%s", l.Bucket, l.Object)
}

// EnsureModel downloads the weights to localPath unless a file is already
// there. The download goes to a temp file that is renamed into place, so a
// failed fetch never leaves a truncated model behind.
func EnsureModel(ctx context.Context, fetcher ObjectFetcher, remote RemoteLocation, localPath string) error {
	info, err := os.Stat(localPath)
	switch {
	case err == nil:
		if info.IsDir() {
			return fmt.Errorf("model path %s is a directory", localPath)
		}
		log.WithFields(log.Fields{
			"path":       localPath,
			"size_bytes": info.Size(),
		}).Info("model already present, skipping download")
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat model path: %w", err)
	}

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(localPath)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	log.WithFields(log.Fields{
		"source": remote.String(),
		"path":   localPath,
	}).Info("downloading model")
	start := time.Now()

	if err := fetcher.Fetch(ctx, remote.Bucket, remote.Object, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", remote, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write model file: %w", err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("move model into place: %w", err)
	}
	committed = true

	if info, err := os.Stat(localPath); err == nil {
		log.WithFields(log.Fields{
			"path":        localPath,
			"size_bytes":  info.Size(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("model downloaded")
	}
	return nil
}
