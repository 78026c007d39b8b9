package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"
)

// objectStore is the part of *minio.Client the mirror uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// Mirror copies stored uploads into an S3-compatible bucket and removes
// them again when the sweeper expires the local file.
type Mirror struct {
	client objectStore
	bucket string
	fs     afero.Fs
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme: host:port, insecure by default for local MinIO.
	return raw, false, nil
}

// NewMirror connects to the bucket described by cfg. The bucket must
// already exist.
func NewMirror(ctx context.Context, cfg S3Config, fs afero.Fs) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	return newMirror(ctx, client, cfg.Bucket, fs)
}

func newMirror(ctx context.Context, client objectStore, bucket string, fs afero.Fs) (*Mirror, error) {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", bucket)
	}
	return &Mirror{client: client, bucket: bucket, fs: fs}, nil
}

// Name implements StoreHook, SweepHook and HealthChecker.
func (m *Mirror) Name() string { return "mirror" }

// FileStored streams the stored file into the bucket under its stored name.
func (m *Mirror) FileStored(ctx context.Context, f StoredFile, man Manifest) error {
	src, err := m.fs.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	contentType := f.DetectedType
	if contentType == "" {
		contentType = manifestContentType
	}

	_, err = m.client.PutObject(ctx, m.bucket, f.Name, src, f.SizeBytes, minio.PutObjectOptions{
		ContentType: contentType,
		UserMetadata: map[string]string{
			"original-name": url.QueryEscape(f.OriginalName),
			"valid-until":   man.UntilString(),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", f.Name, err)
	}
	return nil
}

// FileExpired deletes the mirrored object. A missing object is not an error.
func (m *Mirror) FileExpired(ctx context.Context, name string, _ time.Time) error {
	err := m.client.RemoveObject(ctx, m.bucket, name, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).StatusCode != http.StatusNotFound {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// CheckHealth verifies the bucket is still reachable.
func (m *Mirror) CheckHealth(ctx context.Context) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "storage unreachable: " + err.Error()}
	}
	if !exists {
		return ComponentHealth{Status: ComponentStatusDown, Message: "bucket not found: " + m.bucket}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: "bucket reachable"}
}
