// Package s3 provides a FileSystem over an S3-compatible bucket.
// Key prefixes ending in "/" are presented as directories.
package s3

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
)

// Config holds S3 transport settings.
type Config struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
}

// API is the subset of the S3 client the transport uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements remote.FileSystem using S3/MinIO.
type Backend struct {
	cfg     Config
	metrics *metrics.Counters

	mu        sync.Mutex
	client    API
	connected bool
}

// New creates an S3 transport. The client is built on Connect.
func New(cfg Config, m *metrics.Counters) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Backend{cfg: cfg, metrics: m}, nil
}

// NewWithClient creates an S3 transport around an existing client.
func NewWithClient(cfg Config, client API, m *metrics.Counters) *Backend {
	return &Backend{cfg: cfg, client: client, metrics: m}
}

func (b *Backend) buildClient(ctx context.Context) (API, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(b.cfg.Region),
	}
	if b.cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.cfg.AccessKey, b.cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if b.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(b.cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Connect builds the client if needed and checks the bucket is reachable.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		client, err := b.buildClient(ctx)
		if err != nil {
			return remote.NewConnectionError("connect", err)
		}
		b.client = client
	}

	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.cfg.Bucket)})
	b.metrics.RecordTransportOp("s3", "head_bucket", time.Since(start), err)
	if err != nil {
		b.connected = false
		return remote.NewConnectionError("connect", fmt.Errorf("bucket %s: %w", b.cfg.Bucket, err))
	}

	b.connected = true
	logging.Info("connected to S3 bucket", zap.String("bucket", b.cfg.Bucket))
	return nil
}

// Disconnect marks the transport as disconnected. The HTTP client is reused.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// IsConnected reports whether the last Connect succeeded.
func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Backend) api() (API, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected || b.client == nil {
		return nil, remote.ErrNotConnected
	}
	return b.client, nil
}

// prefixFor turns a slash path into an S3 key prefix ("/a/b" -> "a/b/").
func prefixFor(dir string) string {
	p := strings.Trim(path.Clean("/"+dir), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// List lists one level of the bucket below dir using "/" as delimiter.
func (b *Backend) List(ctx context.Context, dir string) ([]remote.Entry, error) {
	client, err := b.api()
	if err != nil {
		return nil, remote.NewConnectionError("list", err)
	}

	prefix := prefixFor(dir)
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}

	var entries []remote.Entry
	start := time.Now()
	paginator := s3.NewListObjectsV2Paginator(client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			b.metrics.RecordTransportOp("s3", "list", time.Since(start), err)
			return nil, remote.NewConnectionError("list "+dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, remote.Entry{
				Name: name,
				Dir:  dir,
				Kind: remote.KindDirectory,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			name := strings.TrimPrefix(key, prefix)
			// Zero-byte "folder" markers.
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			entries = append(entries, remote.Entry{
				Name:    name,
				Dir:     dir,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Kind:    remote.KindRegular,
				Handle:  key,
			})
		}
	}
	b.metrics.RecordTransportOp("s3", "list", time.Since(start), nil)
	return entries, nil
}

// ChangeDir is a no-op: S3 has no session working directory.
func (b *Backend) ChangeDir(_ context.Context, _ string) error {
	if !b.IsConnected() {
		return remote.NewConnectionError("chdir", remote.ErrNotConnected)
	}
	return nil
}

// Open retrieves an object starting at offset with a Range request.
func (b *Backend) Open(ctx context.Context, entry remote.Entry, offset int64) (io.ReadCloser, error) {
	client, err := b.api()
	if err != nil {
		return nil, remote.NewConnectionError("open", err)
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(keyFor(entry)),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	start := time.Now()
	result, err := client.GetObject(ctx, input)
	b.metrics.RecordTransportOp("s3", "get_object", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", keyFor(entry), err)
	}
	return result.Body, nil
}

// Finalize is a no-op for S3.
func (b *Backend) Finalize(_ context.Context) error { return nil }

// Delete removes an object.
func (b *Backend) Delete(ctx context.Context, entry remote.Entry) error {
	client, err := b.api()
	if err != nil {
		return remote.NewConnectionError("delete", err)
	}

	start := time.Now()
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(keyFor(entry)),
	})
	b.metrics.RecordTransportOp("s3", "delete_object", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("delete object %s: %w", keyFor(entry), err)
	}
	logging.Debug("S3 delete object", zap.String("key", keyFor(entry)))
	return nil
}

// Type returns "s3".
func (b *Backend) Type() string { return "s3" }

func keyFor(entry remote.Entry) string {
	if key, ok := entry.Handle.(string); ok && key != "" {
		return key
	}
	return strings.TrimPrefix(entry.Path(), "/")
}
