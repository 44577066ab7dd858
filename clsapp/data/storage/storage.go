package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"
	"go.uber.org/zap"

	"github.com/harrison-roh/sketch-classification/clsapp/data/retry"
)

// ErrNotFound 버킷에 없는 키
var ErrNotFound = errors.New("object not found")

// Config 오브젝트 스토리지 연결 설정
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	SSE       bool

	Retry retry.Policy
}

// Client 오브젝트 스토리지 클라이언트
type Client struct {
	client *minio.Client
	cfg    Config
	logger *zap.Logger
}

// Bucket 버킷 하나에 대한 blob 연산
type Bucket struct {
	Name string

	client *minio.Client
	sse    bool
	retry  retry.Policy
	logger *zap.Logger
}

// New 새로운 스토리지 클라이언트 생성
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Bucket 버킷이 없으면 만들고 반환
func (c *Client) Bucket(ctx context.Context, name string) (*Bucket, error) {
	exists, err := c.client.BucketExists(ctx, name)
	if err != nil {
		return nil, err
	}

	if !exists {
		if err := c.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: c.cfg.Region}); err != nil {
			return nil, err
		}
		c.logger.Info("Bucket created", zap.String("bucket", name))
	}

	return &Bucket{
		Name:   name,
		client: c.client,
		sse:    c.cfg.SSE,
		retry:  c.cfg.Retry,
		logger: c.logger,
	}, nil
}

func isNotFound(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

// Get 키에 해당하는 blob 반환
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := b.retry.Do(ctx, func() error {
		obj, err := b.client.GetObject(ctx, b.Name, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil && isNotFound(err) {
			return retry.Permanent(fmt.Errorf("%w: %s/%s", ErrNotFound, b.Name, key))
		}
		return err
	})

	return data, err
}

// Put blob 저장, 재시도하지 않음
func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{
		ContentType: contentType,
	}
	if b.sse {
		opts.ServerSideEncryption = encrypt.NewSSE()
	}

	_, err := b.client.PutObject(ctx, b.Name, key, bytes.NewReader(data), int64(len(data)), opts)

	return err
}

// ListKeys 버킷의 모든 키
func (b *Bucket) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string

	err := b.retry.Do(ctx, func() error {
		keys = keys[:0]
		for obj := range b.client.ListObjects(ctx, b.Name, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				return obj.Err
			}
			keys = append(keys, obj.Key)
		}
		return nil
	})

	return keys, err
}

// DownloadMany keys 를 dir 에 내려받음, 이미 있는 파일은 건너뜀
func (b *Bucket) DownloadMany(ctx context.Context, keys []string, dir string) (int, error) {
	pending, err := pendingKeys(keys, dir)
	if err != nil {
		return 0, err
	}

	downloaded := 0
	for i, key := range pending {
		b.logger.Debug("Download object",
			zap.String("key", key),
			zap.Int("count", i+1),
			zap.Int("total", len(pending)))

		err := b.retry.Do(ctx, func() error {
			err := b.client.FGetObject(ctx, b.Name, key, filepath.Join(dir, key), minio.GetObjectOptions{})
			if err != nil && isNotFound(err) {
				return retry.Permanent(fmt.Errorf("%w: %s/%s", ErrNotFound, b.Name, key))
			}
			return err
		})
		if err != nil {
			return downloaded, err
		}
		downloaded++
	}

	return downloaded, nil
}

// dir 에 아직 없는 keys, 필요하면 dir 을 만든다
func pendingKeys(keys []string, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		existing[entry.Name()] = struct{}{}
	}

	pending := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := existing[key]; ok {
			continue
		}
		pending = append(pending, key)
	}

	return pending, nil
}

// DeleteMany keys 삭제
func (b *Bucket) DeleteMany(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo)

	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			select {
			case objectsCh <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rErr := range b.client.RemoveObjects(ctx, b.Name, objectsCh, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rErr.ObjectName, rErr.Err))
	}

	return errors.Join(errs...)
}
