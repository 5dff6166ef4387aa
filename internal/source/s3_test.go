package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	listErr error
	lists   int
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)),
		})
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Mirror_ListAndFetch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"mirror/acme/mod/1.0.0/README.md":    []byte("readme"),
		"mirror/acme/mod/1.0.0/Mod-1.0.0.zip": []byte("v1"),
		"mirror/acme/mod/1.2.0/Mod-1.2.0.7z":  []byte("v12"),
		"mirror/acme/mod/2.0.0/notes.txt":     []byte("nope"),
		"mirror/acme/other/9.0.0/Other.zip":   []byte("other"),
	}}
	m := NewS3Mirror(fake, &S3Config{Bucket: "mods", Region: "us-east-1", Prefix: "/mirror/"})
	ref := Ref{ModID: "mod", Locator: "acme/mod"}

	versions, err := m.ListVersions(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "2.0.0", versions[0].ID)
	assert.Equal(t, "1.2.0", versions[1].ID)
	assert.Equal(t, "1.0.0", versions[2].ID)

	arc, err := m.FetchArchive(context.Background(), ref, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Mod-1.0.0.zip", arc.Name)
	assert.Equal(t, []byte("v1"), arc.Data)
	assert.Equal(t, "s3://mods/mirror/acme/mod/1.0.0/Mod-1.0.0.zip", arc.Version.DownloadURL)
	assert.Equal(t, 2024, arc.Version.PublishedAt.Year())

	_, err = m.FetchArchive(context.Background(), ref, "2.0.0")
	assert.ErrorIs(t, err, ErrModOrVersionNotFound, "version without an archive")

	_, err = m.FetchArchive(context.Background(), ref, "3.0.0")
	assert.ErrorIs(t, err, ErrModOrVersionNotFound)
}

func TestS3Mirror_UnknownModAndBadRef(t *testing.T) {
	m := NewS3Mirror(&fakeS3{objects: map[string][]byte{}}, &S3Config{Bucket: "mods", Region: "r"})

	_, err := m.ListVersions(context.Background(), Ref{Locator: "nobody/nothing"})
	assert.ErrorIs(t, err, ErrModOrVersionNotFound)

	_, err = m.ListVersions(context.Background(), Ref{Locator: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestS3Mirror_ListError(t *testing.T) {
	fake := &fakeS3{listErr: &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}}
	m := NewS3Mirror(fake, &S3Config{Bucket: "mods", Region: "r"})

	_, err := m.ListVersions(context.Background(), Ref{Locator: "acme/mod"})
	assert.ErrorIs(t, err, ErrSourceThrottled)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindS3, fe.Source)
}

func TestClassifyS3(t *testing.T) {
	ctx := context.Background()
	assert.ErrorIs(t, classifyS3(ctx, &types.NoSuchKey{}), ErrModOrVersionNotFound)
	assert.ErrorIs(t, classifyS3(ctx, &types.NoSuchBucket{}), ErrModOrVersionNotFound)
	assert.ErrorIs(t, classifyS3(ctx, &smithy.GenericAPIError{Code: "AccessDenied"}), ErrAccessDenied)
	assert.ErrorIs(t, classifyS3(ctx, errors.New("dial tcp: connection refused")), ErrSourceUnreachable)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, classifyS3(canceled, errors.New("anything")), context.Canceled)
}

func TestS3Config_Validate(t *testing.T) {
	assert.False(t, (*S3Config)(nil).Enabled())
	assert.Error(t, (&S3Config{Region: "r"}).Validate())
	assert.Error(t, (&S3Config{Bucket: "b"}).Validate())
	assert.Error(t, (&S3Config{Bucket: "b", Region: "r", AccessKey: "a"}).Validate())
	assert.NoError(t, (&S3Config{Bucket: "b", Region: "r"}).Validate())
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(context.Background(), Options{})
	require.NoError(t, err)

	s, err := r.Get(KindGitHub)
	require.NoError(t, err)
	assert.Equal(t, KindGitHub, s.Kind())

	s, err = r.Get(KindSPTHub)
	require.NoError(t, err)
	assert.Equal(t, KindSPTHub, s.Kind())

	_, err = r.Get(KindS3)
	assert.ErrorIs(t, err, ErrUnknownSource)

	r, err = NewRegistry(context.Background(), Options{
		S3:       &S3Config{Bucket: "mods", Region: "r"},
		S3Client: &fakeS3{},
	})
	require.NoError(t, err)
	s, err = r.Get(KindS3)
	require.NoError(t, err)
	assert.Equal(t, KindS3, s.Kind())
}
