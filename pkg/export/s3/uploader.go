// Package s3 publishes finished exports to an S3 bucket: a zstd node dump
// first, then snapshot.json, so a present snapshot.json implies a complete
// upload.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marmos91/stategc/internal/logger"
	"github.com/marmos91/stategc/internal/telemetry"
	"github.com/marmos91/stategc/pkg/export"
	bstore "github.com/marmos91/stategc/pkg/store/badger"
)

// Config holds the S3 destination.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is optional; the SDK default chain is used when empty.
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint targets S3-compatible services such as MinIO or Localstack.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Static credentials. Empty uses the SDK default chain.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`

	// KeyPrefix is prepended to every object key. Should end with "/".
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`

	// ForcePathStyle is required for Localstack and MinIO.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Result describes an upload.
type Result struct {
	Bucket    string        `json:"bucket" yaml:"bucket"`
	MetaKey   string        `json:"meta_key" yaml:"meta_key"`
	DumpKey   string        `json:"dump_key" yaml:"dump_key"`
	Nodes     uint64        `json:"nodes" yaml:"nodes"`
	DumpBytes int64         `json:"dump_bytes" yaml:"dump_bytes"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Uploader copies export directories to S3.
type Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an uploader with an existing client.
func New(client *s3.Client, cfg Config) *Uploader {
	return &Uploader{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}
}

// NewFromConfig builds the S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg), nil
}

// Keys returns the object keys used for an export of meta.
func (u *Uploader) Keys(meta *export.SnapshotMeta) (metaKey, dumpKey string) {
	base := fmt.Sprintf("%s%d-%s/", u.prefix, meta.TxOrder, meta.StateRoot.Short())
	return base + export.MetaFile, base + export.DumpFile
}

// Upload dumps the export in dir and uploads it with its snapshot.json.
func (u *Uploader) Upload(ctx context.Context, dir string) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanExportUpload,
		attribute.String(telemetry.AttrBucket, u.bucket))
	defer span.End()

	meta, err := export.LoadMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("export in %s is not finished: %w", dir, err)
	}
	rawMeta, err := os.ReadFile(filepath.Join(dir, export.MetaFile))
	if err != nil {
		return nil, err
	}

	dumpPath := filepath.Join(dir, export.DumpFile)
	nodes, err := writeDumpFile(ctx, dir, dumpPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(dumpPath)

	f, err := os.Open(dumpPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	metaKey, dumpKey := u.Keys(meta)
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(dumpKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/zstd"),
	}); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("s3 put object %s: %w", dumpKey, err)
	}
	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(metaKey),
		Body:        bytes.NewReader(rawMeta),
		ContentType: aws.String("application/json"),
	}); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, fmt.Errorf("s3 put object %s: %w", metaKey, err)
	}

	res := &Result{
		Bucket:    u.bucket,
		MetaKey:   metaKey,
		DumpKey:   dumpKey,
		Nodes:     nodes,
		DumpBytes: info.Size(),
		Duration:  time.Since(start),
	}
	logger.InfoCtx(ctx, "export: uploaded",
		"bucket", u.bucket,
		"key", metaKey,
		logger.KeyCount, nodes,
		logger.KeySize, info.Size(),
		logger.KeyDurationMs, logger.Duration(start))
	return res, nil
}

func writeDumpFile(ctx context.Context, dir, path string) (uint64, error) {
	s, err := bstore.Open(bstore.Config{Path: filepath.Join(dir, export.NodesDir)})
	if err != nil {
		return 0, fmt.Errorf("open export store: %w", err)
	}
	defer s.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := export.WriteDump(ctx, f, s)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write node dump: %w", err)
	}
	return n, nil
}
