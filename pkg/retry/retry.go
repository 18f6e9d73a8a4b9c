// Package retry 指数退避重试（带抖动）
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Config 重试参数
type Config struct {
	MaxRetries     int           // 最大重试次数（不含首次请求）
	InitialBackoff time.Duration // 首次退避
	MaxBackoff     time.Duration // 退避上限
	Multiplier     float64       // 退避倍数
	JitterFraction float64       // 抖动比例 0-1
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
}

// Classifier 判断错误是否值得重试
type Classifier func(error) bool

// ErrPermanent 包装后不再重试
var ErrPermanent = errors.New("不可重试的错误")

// Permanent 把 err 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsRetryable 默认分类：ctx 结束和 Permanent 错误不重试
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrPermanent)
}

// Do 执行 fn，失败时按 classifier 决定是否退避重试
func Do(ctx context.Context, cfg Config, classifier Classifier, fn func(context.Context) error) error {
	if classifier == nil {
		classifier = IsRetryable
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !classifier(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		sleep := backoff + jitter(backoff, cfg.JitterFraction)
		if cfg.MaxBackoff > 0 && sleep > cfg.MaxBackoff {
			sleep = cfg.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		if cfg.Multiplier > 0 {
			backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		}
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return fmt.Errorf("重试 %d 次后仍然失败: %w", cfg.MaxRetries, lastErr)
}

// jitter 返回 [-fraction*d, +fraction*d] 范围内的随机时长
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return 0
	}
	span := float64(d) * fraction
	return time.Duration((rand.Float64()*2 - 1) * span)
}
