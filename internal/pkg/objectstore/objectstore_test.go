package objectstore

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/config"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMinio 在内存中实现 minioAPI。
type fakeMinio struct {
	bucketExists    bool
	bucketExistsErr error
	makeBucketErr   error
	madeBucket      string

	putErr    error
	objects   map[string][]byte
	putOpts   minio.PutObjectOptions
	removeErr error
}

func newFakeMinio() *fakeMinio {
	return &fakeMinio{bucketExists: true, objects: map[string][]byte{}}
}

func (f *fakeMinio) BucketExists(_ context.Context, _ string) (bool, error) {
	return f.bucketExists, f.bucketExistsErr
}

func (f *fakeMinio) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.madeBucket = bucket
	return f.makeBucketErr
}

func (f *fakeMinio) PutObject(_ context.Context, _ string, key string, r io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[key] = data
	f.putOpts = opts
	return minio.UploadInfo{Key: key, Size: int64(len(data))}, nil
}

func (f *fakeMinio) RemoveObject(_ context.Context, _ string, key string, _ minio.RemoveObjectOptions) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.objects, key)
	return nil
}

var keyPattern = regexp.MustCompile(`^7/[0-9a-f-]{36}\.png$`)

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(context.Background(), config.StorageConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewWithAPI_CreatesMissingBucket(t *testing.T) {
	api := newFakeMinio()
	api.bucketExists = false
	_, err := newWithAPI(context.Background(), api, "postcards", "http://cdn")
	require.NoError(t, err)
	assert.Equal(t, "postcards", api.madeBucket)
}

func TestNewWithAPI_BucketErrors(t *testing.T) {
	api := newFakeMinio()
	api.bucketExistsErr = errors.New("boom")
	_, err := newWithAPI(context.Background(), api, "postcards", "http://cdn")
	assert.ErrorContains(t, err, "check bucket")

	api = newFakeMinio()
	api.bucketExists = false
	api.makeBucketErr = errors.New("denied")
	_, err = newWithAPI(context.Background(), api, "postcards", "http://cdn")
	assert.ErrorContains(t, err, "create bucket")
}

func TestPutAndRemove(t *testing.T) {
	api := newFakeMinio()
	s, err := newWithAPI(context.Background(), api, "postcards", "http://cdn/postcards/")
	require.NoError(t, err)

	key, err := s.Put(context.Background(), 7, "Strand.PNG", "image/png", strings.NewReader("png-bytes"), 9)
	require.NoError(t, err)
	assert.Regexp(t, keyPattern, key)
	assert.Equal(t, []byte("png-bytes"), api.objects[key])
	assert.Equal(t, "image/png", api.putOpts.ContentType)

	url := s.URL(key)
	assert.Equal(t, "http://cdn/postcards/"+key, url)
	back, ok := s.KeyFromURL(url)
	require.True(t, ok)
	assert.Equal(t, key, back)
	_, ok = s.KeyFromURL("https://elsewhere/x.png")
	assert.False(t, ok)

	require.NoError(t, s.Remove(context.Background(), key))
	assert.Empty(t, api.objects)
}

func TestPut_Error(t *testing.T) {
	api := newFakeMinio()
	api.putErr = errors.New("disk full")
	s, err := newWithAPI(context.Background(), api, "postcards", "http://cdn")
	require.NoError(t, err)

	_, err = s.Put(context.Background(), 7, "a.png", "image/png", strings.NewReader("x"), 1)
	assert.ErrorContains(t, err, "put object")
}

func TestRemove_IgnoresMissingObject(t *testing.T) {
	api := newFakeMinio()
	api.removeErr = minio.ErrorResponse{Code: "NoSuchKey"}
	s, err := newWithAPI(context.Background(), api, "postcards", "http://cdn")
	require.NoError(t, err)
	assert.NoError(t, s.Remove(context.Background(), "7/x.png"))

	api.removeErr = errors.New("network")
	assert.Error(t, s.Remove(context.Background(), "7/x.png"))
}

func TestNewKey_ExtensionFallback(t *testing.T) {
	assert.True(t, strings.HasSuffix(NewKey(1, "photo", "application/x-unknown-type"), ".bin"))
	assert.True(t, strings.HasPrefix(NewKey(42, "a.jpg", "image/jpeg"), "42/"))
	assert.True(t, strings.HasSuffix(NewKey(42, "a.jpg", "image/jpeg"), ".jpg"))
}
