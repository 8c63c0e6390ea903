package artifacts

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/puffer/broker/pkg/config"
)

func TestFileVault_PutGet(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileVault(dir)
	require.NoError(t, err)

	data := []byte("%PDF-1.7 statement")
	ref, err := v.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Ref(data), ref)

	again, err := v.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	got, err := v.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := v.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := Ref([]byte("other"))
	ok, err = v.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileVault_RejectsBadRefs(t *testing.T) {
	v, err := NewFileVault(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"", "md5:abcd", "sha256:zz", "sha256:../../etc/passwd", "sha256:abcd"} {
		_, err := v.Get(context.Background(), ref)
		assert.Error(t, err, ref)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Vault(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{objects: map[string][]byte{}}
	v := NewS3VaultWithClient(client, "statements", "archive/")

	data := []byte("statement bytes")
	ref, err := v.Put(ctx, data)
	require.NoError(t, err)
	_, err = v.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, client.puts)
	assert.Contains(t, client.objects, "archive/"+ref[len(RefPrefix):]+".blob")

	got, err := v.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = v.Get(ctx, Ref([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	v, err := New(ctx, config.ArtifactsConfig{StorageType: config.StorageNone})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = New(ctx, config.ArtifactsConfig{StorageType: config.StorageFS, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileVault{}, v)

	_, err = New(ctx, config.ArtifactsConfig{StorageType: config.StorageFS})
	assert.ErrorContains(t, err, "ARTIFACT_DIR")

	_, err = New(ctx, config.ArtifactsConfig{StorageType: config.StorageS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")

	_, err = New(ctx, config.ArtifactsConfig{StorageType: config.StorageGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")

	_, err = New(ctx, config.ArtifactsConfig{StorageType: "ftp"})
	assert.ErrorContains(t, err, "unsupported")
}
