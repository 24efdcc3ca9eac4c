// Package s3 implements a bundle archive on an S3-compatible bucket, one
// object per bundle.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/entity"
)

const (
	objectSuffix = ".json"
	contentType  = "application/json"

	metaBundleID = "bundle-id"
	metaEntities = "entities"
	metaSHA256   = "sha256"
)

// Store implements core.Archive on a single bucket. A bundle named "daily/a"
// is stored at <prefix>daily/a.json with its summary in user metadata.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// Config holds explicit construction parameters. For prod we rely
// primarily on environment variables.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string // optional key prefix, e.g. "snapshots/"
	Endpoint        string // optional; enables a custom endpoint (e.g. MinIO)
	AccessKeyID     string // optional (falls back to default credentials chain)
	SecretAccessKey string // optional
	SessionToken    string // optional
	PathStyle       bool
}

// Environment variables:
//   ENTITYCORE_SNAPSHOT_DRIVER=s3
//   ENTITYCORE_SNAPSHOT_S3_BUCKET=<bucket> (required)
//   ENTITYCORE_SNAPSHOT_S3_REGION=<region> (default us-east-1)
//   ENTITYCORE_SNAPSHOT_S3_ENDPOINT=<url> (optional, for MinIO)
//   ENTITYCORE_SNAPSHOT_S3_PATH_STYLE=true|false (default false)
//   ENTITYCORE_SNAPSHOT_S3_PREFIX=<key prefix> (optional)
//   AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY / AWS_SESSION_TOKEN (optional)

// New creates an S3 archive from Config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// OpenFromEnv constructs an S3 archive from process environment.
func OpenFromEnv(ctx context.Context) (*Store, error) {
	bucket := os.Getenv("ENTITYCORE_SNAPSHOT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ENTITYCORE_SNAPSHOT_S3_BUCKET required for s3 driver")
	}
	cfg := Config{
		Bucket:    bucket,
		Region:    os.Getenv("ENTITYCORE_SNAPSHOT_S3_REGION"),
		Endpoint:  os.Getenv("ENTITYCORE_SNAPSHOT_S3_ENDPOINT"),
		Prefix:    os.Getenv("ENTITYCORE_SNAPSHOT_S3_PREFIX"),
		PathStyle: strings.EqualFold(os.Getenv("ENTITYCORE_SNAPSHOT_S3_PATH_STYLE"), "true"),
	}
	return New(ctx, cfg)
}

// Driver returns the archive driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

func (s *Store) keyFor(name string) (string, string, error) {
	clean, err := core.CheckName(name)
	if err != nil {
		return "", "", err
	}
	return clean, s.prefix + clean + objectSuffix, nil
}

// Save uploads b under name, replacing any previous object.
func (s *Store) Save(ctx context.Context, name string, b *entity.Bundle) (core.Info, error) {
	clean, key, err := s.keyFor(name)
	if err != nil {
		return core.Info{}, err
	}
	data, err := core.Encode(b)
	if err != nil {
		return core.Info{}, err
	}
	info := core.Describe(clean, b, data, time.Now())
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			metaBundleID: info.BundleID,
			metaEntities: strconv.Itoa(info.Entities),
			metaSHA256:   info.ETag,
		},
	})
	if err != nil {
		return core.Info{}, fmt.Errorf("put snapshot %s: %w", clean, err)
	}
	return info, nil
}

// Load downloads and decodes the bundle stored under name.
func (s *Store) Load(ctx context.Context, name string) (*entity.Bundle, error) {
	clean, key, err := s.keyFor(name)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		if isNotFound(err) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get snapshot %s: %w", clean, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", clean, err)
	}
	return core.Decode(data)
}

// Delete removes the object, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	clean, key, err := s.keyFor(name)
	if err != nil {
		return false, err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head snapshot %s: %w", clean, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &s.bucket, Key: &key}); err != nil {
		return false, fmt.Errorf("delete snapshot %s: %w", clean, err)
	}
	return true, nil
}

// List returns the bundles whose names start with prefix, sorted by name.
// Bundle ids and entity counts come from each object's metadata.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	listPrefix := s.prefix + prefix
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &listPrefix, ContinuationToken: token})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, objectSuffix) {
				continue
			}
			info, err := s.describe(ctx, key, obj)
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			token = out.NextContinuationToken
			continue
		}
		break
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *Store) describe(ctx context.Context, key string, obj types.Object) (core.Info, error) {
	info := core.Info{
		Name:    strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), objectSuffix),
		SavedAt: aws.ToTime(obj.LastModified).UTC(),
	}
	if obj.Size != nil {
		info.Size = *obj.Size
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return core.Info{}, fmt.Errorf("head snapshot %s: %w", info.Name, err)
	}
	info.BundleID = head.Metadata[metaBundleID]
	info.ETag = head.Metadata[metaSHA256]
	if n, err := strconv.Atoi(head.Metadata[metaEntities]); err == nil {
		info.Entities = n
	}
	return info, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
