package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"agent-runtime/pkg/task"
)

// ErrNoDestination is returned when a destination names no usable target.
var ErrNoDestination = errors.New("no upload destination configured")

// Uploader ships a local file to a destination under the given object name.
type Uploader interface {
	Upload(ctx context.Context, dest task.ArtifactsDestination, name, path string) (*task.UploadedArtifact, error)
}

// ValidateSASURL checks that raw looks like an Azure Blob container SAS URL
// with a signature.
func ValidateSASURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse sas url: %w", err)
	}
	if u.Scheme != "https" {
		return errors.New("sas url must use https")
	}
	if !strings.HasSuffix(u.Hostname(), ".blob.core.windows.net") {
		return errors.New("sas url must point at *.blob.core.windows.net")
	}
	if u.Query().Get("sig") == "" {
		return errors.New("sas url has no signature")
	}
	return nil
}

// BlobURL inserts name into a container URL, keeping its query string.
func BlobURL(containerURL, name string) (string, error) {
	u, err := url.Parse(containerURL)
	if err != nil {
		return "", fmt.Errorf("parse container url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// SASUploader PUTs block blobs to a container SAS URL.
type SASUploader struct {
	Client *http.Client
	now    func() time.Time
}

// NewSASUploader creates a SASUploader with a bounded HTTP client.
func NewSASUploader() *SASUploader {
	return &SASUploader{Client: &http.Client{Timeout: 10 * time.Minute}, now: time.Now}
}

// Upload implements Uploader. The returned URL carries no SAS token.
func (u *SASUploader) Upload(ctx context.Context, dest task.ArtifactsDestination, name, path string) (*task.UploadedArtifact, error) {
	if dest.SASURL == "" {
		return nil, ErrNoDestination
	}
	blobURL, err := BlobURL(dest.SASURL, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, blobURL, f)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	req.Header.Set("Content-Type", "application/zip")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("upload %s: status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	clean, _, _ := strings.Cut(blobURL, "?")
	return &task.UploadedArtifact{Name: name, URL: clean, Size: info.Size(), UploadedAt: u.clock().UTC()}, nil
}

func (u *SASUploader) clock() time.Time {
	if u.now == nil {
		return time.Now()
	}
	return u.now()
}

// MinioConfig holds S3-compatible storage settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// MinioUploader puts archives into an S3-compatible bucket.
type MinioUploader struct {
	client        *minio.Client
	defaultBucket string
	log           *logrus.Entry
}

// NewMinioUploader creates a MinioUploader. It does not contact the server.
func NewMinioUploader(cfg MinioConfig) (*MinioUploader, error) {
	c, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioUploader{
		client:        c,
		defaultBucket: cfg.Bucket,
		log:           logrus.WithField("component", "artifacts"),
	}, nil
}

// HealthCheck verifies connectivity and credentials.
func (m *MinioUploader) HealthCheck(ctx context.Context) error {
	if _, err := m.client.ListBuckets(ctx); err != nil {
		return fmt.Errorf("minio health check: %w", err)
	}
	return nil
}

// Upload implements Uploader. An empty dest.Bucket uses the configured
// default bucket, which is created on first use.
func (m *MinioUploader) Upload(ctx context.Context, dest task.ArtifactsDestination, name, path string) (*task.UploadedArtifact, error) {
	bucket := dest.Bucket
	if bucket == "" {
		bucket = m.defaultBucket
	}
	if bucket == "" {
		return nil, ErrNoDestination
	}
	if err := m.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}

	object := name
	if p := strings.Trim(dest.Prefix, "/"); p != "" {
		object = p + "/" + name
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	up, err := m.client.PutObject(ctx, bucket, object, f, info.Size(), minio.PutObjectOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s/%s: %w", bucket, object, err)
	}
	m.log.WithFields(logrus.Fields{"bucket": bucket, "object": object, "size": up.Size}).Info("artifact uploaded")

	return &task.UploadedArtifact{
		Name:       object,
		URL:        m.client.EndpointURL().String() + "/" + bucket + "/" + object,
		Size:       info.Size(),
		UploadedAt: time.Now().UTC(),
	}, nil
}

func (m *MinioUploader) ensureBucket(ctx context.Context, bucket string) error {
	found, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if found {
		return nil
	}
	m.log.WithField("bucket", bucket).Info("creating bucket")
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// Router sends each destination to the uploader that serves it: SAS URLs
// to SAS, buckets to S3. Either side may be nil.
type Router struct {
	SAS Uploader
	S3  Uploader
}

// Upload implements Uploader.
func (r Router) Upload(ctx context.Context, dest task.ArtifactsDestination, name, path string) (*task.UploadedArtifact, error) {
	switch {
	case dest.SASURL != "" && r.SAS != nil:
		return r.SAS.Upload(ctx, dest, name, path)
	case dest.SASURL == "" && r.S3 != nil:
		return r.S3.Upload(ctx, dest, name, path)
	}
	return nil, ErrNoDestination
}
