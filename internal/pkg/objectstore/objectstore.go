// Package objectstore 把明信片图片存入 MinIO（S3 兼容）。
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/chronoZ-visuelle-zeitkapsel/chronoz-visuelle-zeitkapsel/internal/config"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrNotConfigured = errors.New("object storage not configured")

// minioAPI 是 Store 用到的 MinIO 客户端方法子集，测试中替换为内存实现。
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Store 按 "<user_id>/<uuid>.<ext>" 组织对象。
type Store struct {
	api     minioAPI
	bucket  string
	baseURL string
}

// New 根据配置连接 MinIO 并确保 bucket 存在。Endpoint 为空时返回 ErrNotConfigured。
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}
	return newWithAPI(ctx, client, cfg.Bucket, baseURL)
}

func newWithAPI(ctx context.Context, api minioAPI, bucket, baseURL string) (*Store, error) {
	s := &Store{
		api:     api,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// Put 上传一张图片，返回对象 key。
func (s *Store) Put(ctx context.Context, userID uint, filename, contentType string, r io.Reader, size int64) (string, error) {
	key := NewKey(userID, filename, contentType)
	_, err := s.api.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

// Remove 删除对象；对象不存在不算错误。
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.api.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// URL 返回对象的公开访问地址。
func (s *Store) URL(key string) string {
	return s.baseURL + "/" + key
}

// KeyFromURL 是 URL 的逆操作，不属于本 bucket 的地址返回 false。
func (s *Store) KeyFromURL(u string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(u, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(u, prefix)
	return key, key != ""
}

// NewKey 生成 "<user_id>/<uuid>.<ext>"，扩展名优先取文件名，其次由 content type 推断。
func NewKey(userID uint, filename, contentType string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%d/%s%s", userID, uuid.NewString(), ext)
}
