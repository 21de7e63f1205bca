package definition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used to mirror definitions.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParseS3URI splits s3://bucket/prefix into bucket and prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 uri %q: %w", uri, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q: expected s3://bucket/prefix", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// SyncFromS3 copies every .json and .sql object below prefix into dest,
// keeping the key layout relative to prefix. It returns the number of files
// written.
func SyncFromS3(ctx context.Context, log *slog.Logger, client S3API, bucket, prefix, dest string) (int, error) {
	if client == nil {
		return 0, errors.New("s3 client is required")
	}
	prefix = strings.TrimSuffix(prefix, "/")
	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}

	written := 0
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(listPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return written, fmt.Errorf("failed to list s3://%s/%s: %w", bucket, listPrefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			ext := path.Ext(key)
			if ext != ".json" && ext != ".sql" {
				continue
			}
			rel := strings.TrimPrefix(key, listPrefix)
			if rel == "" || strings.Contains(rel, "..") {
				continue
			}
			if err := downloadObject(ctx, client, bucket, key, filepath.Join(dest, filepath.FromSlash(rel))); err != nil {
				return written, err
			}
			written++
		}
	}

	log.Info("definitions synced from s3", "bucket", bucket, "prefix", prefix, "dest", dest, "files", written)
	return written, nil
}

func downloadObject(ctx context.Context, client S3API, bucket, key, target string) error {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return f.Close()
}
