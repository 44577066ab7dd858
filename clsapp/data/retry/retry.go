package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy 읽기 요청 재시도 정책
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
}

// Permanent 재시도하지 않을 에러로 감쌈
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do op 가 성공하거나 MaxRetries 만큼 재시도할 때까지 지수 백오프로 반복
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
}
