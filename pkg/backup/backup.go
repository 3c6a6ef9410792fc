// Package backup mirrors cold-tier frames into an S3 bucket. Frames
// are already sealed on disk, so they are uploaded as-is; the bucket
// never sees plaintext. Offload is one-way: restore tooling reads the
// backup records, this package only keeps the mirror current.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/cas"
	"github.com/edgecloud/edgestore/pkg/metadata"
)

// Config holds the S3 target for cold-tier offload.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, SDK default if empty).
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string

	// Prefix is prepended to every object key. Should end with "/" if
	// non-empty.
	Prefix string

	// ForcePathStyle forces path-style addressing (MinIO, Localstack).
	ForcePathStyle bool
}

// ObjectPutter is the slice of the S3 client the offloader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Stats summarises one offload pass.
type Stats struct {
	Scanned  int   `json:"scanned"`
	Uploaded int   `json:"uploaded"`
	Skipped  int   `json:"skipped"` // already mirrored
	Bytes    int64 `json:"bytes"`
	Errors   int   `json:"errors"`
}

// Offloader walks the cold tier and uploads frames missing from the
// bucket.
type Offloader struct {
	cfg    Config
	client ObjectPutter
	meta   *metadata.Store
	blocks *cas.Store
}

// New builds an offloader around an existing client.
func New(cfg Config, client ObjectPutter, meta *metadata.Store, blocks *cas.Store) *Offloader {
	return &Offloader{cfg: cfg, client: client, meta: meta, blocks: blocks}
}

// NewFromConfig builds an offloader with its own S3 client.
func NewFromConfig(ctx context.Context, cfg Config, meta *metadata.Store, blocks *cas.Store) (*Offloader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return New(cfg, client, meta, blocks), nil
}

// Run performs one offload pass over the cold tier. Per-frame errors
// are counted and skipped. The walk is snapshotted before any reads:
// WalkTier holds the store lock for its duration, so frames cannot be
// read back inside the callback.
func (o *Offloader) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	var entries []cas.Entry
	err := o.blocks.WalkTier(ctx, cas.TierCold, func(e cas.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++

		if _, err := o.meta.BackupForHash(ctx, e.Hash); err == nil {
			stats.Skipped++
			continue
		} else if err != metadata.ErrNotFound {
			stats.Errors++
			logger.Warn("backup record lookup failed",
				logger.KeyHash, e.Hash, logger.KeyError, err)
			continue
		}

		if err := o.offload(ctx, e); err != nil {
			stats.Errors++
			logger.Warn("offload failed", logger.KeyHash, e.Hash, logger.KeyError, err)
			continue
		}
		stats.Uploaded++
		stats.Bytes += e.Size
	}

	logger.Info("backup pass complete",
		"scanned", stats.Scanned,
		"uploaded", stats.Uploaded,
		"skipped", stats.Skipped,
		"bytes", stats.Bytes,
		"errors", stats.Errors)
	return stats, nil
}

// offload uploads one frame and records it.
func (o *Offloader) offload(ctx context.Context, e cas.Entry) error {
	var (
		frame []byte
		err   error
	)
	if e.Object {
		frame, _, err = o.blocks.ReadObject(ctx, e.Hash)
	} else {
		frame, _, err = o.blocks.ReadBlock(ctx, e.Hash)
	}
	if err != nil {
		return err
	}

	key := o.key(e)
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(frame),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}

	return o.meta.RecordBackup(ctx, &metadata.BackupRecord{
		BlockHash:  e.Hash,
		Bucket:     o.cfg.Bucket,
		Key:        key,
		Size:       e.Size,
		UploadedAt: time.Now(),
	})
}

// key maps a frame to its bucket key, mirroring the on-disk sharding.
func (o *Offloader) key(e cas.Entry) string {
	kind := "blocks"
	name := e.Hash
	if e.Object {
		kind = "objects"
		name += ".obj"
	}
	return o.cfg.Prefix + path.Join(kind, e.Hash[:2], name)
}
