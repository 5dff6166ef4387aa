package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/modsync/internal/archive"
)

// S3Config describes a mirror bucket laid out as <prefix>/<locator>/<version>/<archive>.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

func (c *S3Config) Enabled() bool {
	return c != nil && c.Bucket != ""
}

func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3.bucket required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3.region required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("s3.access_key and s3.secret_key must be set together")
	}
	return nil
}

// S3API is the subset of the S3 client the mirror source uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Mirror serves mods from a bucket that mirrors release archives.
type S3Mirror struct {
	client S3API
	bucket string
	prefix string
	cache  *versionCache
}

// NewS3Client builds an S3 client with static credentials when given, and a
// path-style custom endpoint for S3 compatible stores.
func NewS3Client(ctx context.Context, cfg *S3Config) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Mirror(client S3API, cfg *S3Config) *S3Mirror {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Mirror{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		cache:  newVersionCache(0),
	}
}

func (m *S3Mirror) Kind() Kind {
	return KindS3
}

func (m *S3Mirror) modPrefix(ref Ref) (string, error) {
	loc := strings.Trim(strings.TrimSpace(ref.Locator), "/")
	if loc == "" || strings.Contains(loc, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref.Locator)
	}
	return m.prefix + loc + "/", nil
}

func (m *S3Mirror) ListVersions(ctx context.Context, ref Ref) ([]Version, error) {
	if cached, ok := m.cache.get(KindS3, ref); ok {
		return cached, nil
	}

	prefix, err := m.modPrefix(ref)
	if err != nil {
		return nil, err
	}

	var versions []Version
	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(m.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, m.fetchError(ctx, ref, "", "list versions", err)
		}
		for _, cp := range page.CommonPrefixes {
			id := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if id == "" {
				continue
			}
			versions = append(versions, Version{ID: id, Name: id, Title: path.Base(ref.Locator)})
		}
	}
	if len(versions) == 0 {
		return nil, &FetchError{Source: KindS3, Ref: ref.Locator, Op: "list versions", Err: ErrModOrVersionNotFound}
	}
	SortNewestFirst(versions)

	m.cache.add(KindS3, ref, versions)
	return versions, nil
}

func (m *S3Mirror) FetchArchive(ctx context.Context, ref Ref, versionID string) (*Archive, error) {
	versions, err := m.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	v, ok := findVersion(versions, versionID)
	if !ok {
		return nil, &FetchError{Source: KindS3, Ref: ref.Locator, Version: versionID, Op: "fetch", Err: ErrModOrVersionNotFound}
	}

	prefix, _ := m.modPrefix(ref)
	key, obj, err := m.findArchiveObject(ctx, prefix+versionID+"/")
	if err != nil {
		return nil, m.fetchError(ctx, ref, versionID, "list archive", err)
	}
	if key == "" {
		return nil, &FetchError{Source: KindS3, Ref: ref.Locator, Version: versionID, Op: "list archive", Err: ErrModOrVersionNotFound}
	}

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, m.fetchError(ctx, ref, versionID, "get "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, m.fetchError(ctx, ref, versionID, "read "+key, err)
	}

	v.FileName = path.Base(key)
	v.DownloadURL = fmt.Sprintf("s3://%s/%s", m.bucket, key)
	v.Size = int64(len(data))
	if obj.LastModified != nil {
		v.PublishedAt = *obj.LastModified
	}
	return &Archive{Name: v.FileName, Data: data, Version: v}, nil
}

// findArchiveObject returns the first archive object under prefix, by key order.
func (m *S3Mirror) findArchiveObject(ctx context.Context, prefix string) (string, types.Object, error) {
	var found []types.Object
	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", types.Object{}, err
		}
		for _, obj := range page.Contents {
			if archive.IsArchiveName(aws.ToString(obj.Key)) {
				found = append(found, obj)
			}
		}
	}
	if len(found) == 0 {
		return "", types.Object{}, nil
	}
	sort.Slice(found, func(i, j int) bool {
		return aws.ToString(found[i].Key) < aws.ToString(found[j].Key)
	})
	return aws.ToString(found[0].Key), found[0], nil
}

func (m *S3Mirror) fetchError(ctx context.Context, ref Ref, versionID, op string, err error) error {
	return &FetchError{Source: KindS3, Ref: ref.Locator, Version: versionID, Op: op, Err: classifyS3(ctx, err)}
}

// classifyS3 maps SDK errors onto the error taxonomy.
func classifyS3(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %v", ErrModOrVersionNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "TooManyRequests", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrSourceThrottled, err)
		case "NotFound":
			return fmt.Errorf("%w: %v", ErrModOrVersionNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if cerr := classifyStatus(respErr.HTTPStatusCode(), ""); cerr != nil {
			return fmt.Errorf("%w: %v", cerr, err)
		}
	}

	if respErr == nil || respErr.HTTPStatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %v", ErrSourceUnreachable, err)
	}
	return err
}
