package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/S1riyS/hugefs/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3ObjectDir = "plain/"

// S3Store keeps objects in a bucket under <prefix>plain/<hex>.
type S3Store struct {
	name   string
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Store(client *s3.Client, name, bucket, prefix string) *S3Store {
	return &S3Store{name: name, client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromConfig builds the client from the default AWS chain, with
// static credentials and a custom endpoint when configured.
func NewS3StoreFromConfig(ctx context.Context, cfg config.MirrorConfig) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("content: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.PathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Name, cfg.Bucket, cfg.Prefix), nil
}

func (s *S3Store) Name() string { return s.name }

func (s *S3Store) Client() *s3.Client { return s.client }

func (s *S3Store) key(d Digest) string {
	return s.prefix + s3ObjectDir + d.String()
}

func (s *S3Store) Put(ctx context.Context, d Digest, src *os.File, size int64) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(d)),
		Body:          io.NewSectionReader(src, 0, size),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", d, err)
	}
	return nil
}

func (s *S3Store) ReadAt(ctx context.Context, d Digest, off int64, n int) ([]byte, error) {
	if n <= 0 {
		return []byte{}, nil
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+int64(n)-1)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrObjectNotFound
		}
		if isRangeError(err) {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("s3 get %s: %w", d, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)))
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", d, err)
	}
	return data, nil
}

func (s *S3Store) Size(ctx context.Context, d Digest) (int64, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("s3 head %s: %w", d, err)
	}
	return aws.ToInt64(resp.ContentLength), nil
}

func (s *S3Store) Delete(ctx context.Context, d Digest) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(d)),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("s3 delete %s: %w", d, err)
	}
	return nil
}

func (s *S3Store) Walk(ctx context.Context, fn func(Digest) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + s3ObjectDir),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			d, err := ParseDigest(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+s3ObjectDir))
			if err != nil {
				continue
			}
			if err := fn(d); err != nil {
				return err
			}
		}
	}
	return nil
}

func isNotFoundError(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404")
}

func isRangeError(err error) bool {
	return strings.Contains(err.Error(), "InvalidRange") || strings.Contains(err.Error(), "416")
}
