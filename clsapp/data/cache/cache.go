package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config redis 연결 설정
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Counts 테이블 속성별 집계 캐시
//
// 테이블마다 hash 하나를 두고 속성 이름을 field 로 사용한다.
type Counts struct {
	client *redis.Client
	ttl    time.Duration
}

// New 새로운 집계 캐시 생성
func New(cfg Config) *Counts {
	return &Counts{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: cfg.TTL,
	}
}

func key(table string) string {
	return "counts:" + table
}

// Ping redis 연결 확인
func (c *Counts) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get 캐시된 집계 반환, 없으면 ok 가 false
func (c *Counts) Get(ctx context.Context, table, attr string) (map[string]int, bool, error) {
	raw, err := c.client.HGet(ctx, key(table), attr).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	var counts map[string]int
	if err := json.Unmarshal(raw, &counts); err != nil {
		return nil, false, err
	}

	return counts, true, nil
}

// Set 집계 저장
func (c *Counts) Set(ctx context.Context, table, attr string, counts map[string]int) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key(table), attr, raw)
	if c.ttl > 0 {
		pipe.Expire(ctx, key(table), c.ttl)
	}
	_, err = pipe.Exec(ctx)

	return err
}

// Invalidate 테이블의 모든 집계 삭제
func (c *Counts) Invalidate(ctx context.Context, table string) error {
	return c.client.Del(ctx, key(table)).Err()
}

// Close redis 연결 해제
func (c *Counts) Close() error {
	return c.client.Close()
}
