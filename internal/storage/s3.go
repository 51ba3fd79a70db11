package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"request-portal/internal/config"
	"request-portal/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// S3Store maps folders onto key prefixes of one bucket. A folder is
// materialized by a zero byte marker object "<prefix>/" so empty folders
// can still be detected.
type S3Store struct {
	client        *s3.Client
	presign       *s3.PresignClient
	bucket        string
	root          string
	publicBaseURL string
	presignTTL    time.Duration
}

// NewS3Store builds a client for AWS S3 or any S3 compatible endpoint such as Cloudflare R2.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:        client,
		presign:       s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		root:          strings.Trim(cfg.RootFolder, "/"),
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		presignTTL:    cfg.PresignTTL,
	}, nil
}

func (s *S3Store) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	parent := strings.Trim(parentID, "/")
	if parent == "" {
		parent = s.root
	}
	folderID := path.Join(parent, SanitizeName(name))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(folderID + "/"),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create folder %s: %w", folderID, err)
	}
	return folderID, nil
}

func (s *S3Store) Upload(ctx context.Context, data []byte, filename, mimeType, folderID string) (model.Attachment, error) {
	folder := strings.Trim(folderID, "/")
	if folder == "" {
		folder = s.root
	}
	name := SanitizeName(filename)
	key := path.Join(folder, uuid.NewString()[:8]+"-"+name)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return model.Attachment{}, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return model.Attachment{
		ID:          key,
		Name:        filename,
		WebViewLink: s.viewLink(ctx, key),
		MimeType:    mimeType,
	}, nil
}

func (s *S3Store) Download(ctx context.Context, fileID string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
		}
		return nil, fmt.Errorf("failed to download %s: %w", fileID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fileID, err)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, fileID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", fileID, err)
	}
	return nil
}

func (s *S3Store) FileExists(ctx context.Context, fileID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fileID),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return false, nil
	}
	return false, fmt.Errorf("failed to look up %s: %w", fileID, err)
}

func (s *S3Store) FolderExists(ctx context.Context, folderID string) (bool, error) {
	folder := strings.Trim(folderID, "/")
	if folder == "" {
		return false, nil
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(folder + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to look up folder %s: %w", folder, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

// viewLink prefers a public bucket URL and falls back to a presigned GET.
func (s *S3Store) viewLink(ctx context.Context, key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escapeKey(key)
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("failed to presign view link")
		return ""
	}
	return req.URL
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
