package gateway

import (
	"context"
	"time"

	"cardbatch/internal/model"
)

// Validator 上游检测能力
// 协议细节由上游实现，对本服务是一个黑盒：输入一张卡，输出一条分类结果。
// 基础设施失败不以 error 形式上抛，而是折算为 IsNetworkError 的 ERROR 结果，
// 由调用方决定是否计入错误统计（调度器对此不做任何重试）。
type Validator interface {
	Validate(ctx context.Context, card *model.WorkItem) *model.ValidationResult
}

// RetryPolicy 网络错误的有界重试策略
// 只重试基础设施失败，卡片的最终结论（批准/拒绝等）绝不重试
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy 默认策略：3 次尝试，固定 500ms 间隔
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

// Do 按策略重试 fn，fn 返回 (结果, 是否网络错误)
// 非网络错误立即返回；重试耗尽后返回最后一次的错误结果
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (*model.ValidationResult, bool)) *model.ValidationResult {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last *model.ValidationResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result, retryable := fn(attempt)
		if !retryable {
			return result
		}
		last = result

		if attempt < attempts && p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return last
			case <-time.After(p.Backoff):
			}
		}
	}
	return last
}
