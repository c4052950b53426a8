package service

import (
	"errors"
	"fmt"
	"time"
)

// 账本层的失败必须是带类型的结果，调用方据此区分
// "停止批次（积分耗尽）"与"数据库抖动（可重试）"

// ErrConcurrencyConflict 乐观锁重试耗尽
var ErrConcurrencyConflict = errors.New("账户并发更新冲突，重试次数耗尽")

// InsufficientCreditsError 积分不足，携带当前余额与所需积分供调用方决策
type InsufficientCreditsError struct {
	CurrentBalance  int64
	RequiredCredits int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("积分不足: 当前 %d，需要 %d", e.CurrentBalance, e.RequiredCredits)
}

// AlreadyClaimedError 每日领取冷却中，携带下次可领取时间
type AlreadyClaimedError struct {
	NextClaimAvailable time.Time
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("今日已领取，下次可领取时间: %s", e.NextClaimAvailable.Format(time.RFC3339))
}
