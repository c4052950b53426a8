package service

import (
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/model"

	"cardbatch/internal/scheduler"
)

// ============================================================================
// 速度等级策略
// ============================================================================
//
// 纯配置查表：等级 → (并发上限, 最小启动间隔, 每日领取额度)
// 不变量：等级越高并发不减、间隔不增；未知等级回退到最低档

// defaultTiers 缺省策略，配置文件可按等级覆盖
var defaultTiers = map[string]config.TierConfig{
	model.TierFree:    {Concurrency: 1, DelayMs: 3000, DailyClaim: 10},
	model.TierBronze:  {Concurrency: 2, DelayMs: 2000, DailyClaim: 20},
	model.TierSilver:  {Concurrency: 3, DelayMs: 1500, DailyClaim: 30},
	model.TierGold:    {Concurrency: 5, DelayMs: 1000, DailyClaim: 50},
	model.TierDiamond: {Concurrency: 8, DelayMs: 500, DailyClaim: 100},
}

// TierPolicy 速度等级策略查询
type TierPolicy struct {
	tiers map[string]config.TierConfig
}

// NewTierPolicy 配置覆盖缺省值之后构建策略表
func NewTierPolicy(overrides map[string]config.TierConfig) *TierPolicy {
	tiers := make(map[string]config.TierConfig, len(defaultTiers))
	for name, tc := range defaultTiers {
		tiers[name] = tc
	}
	for name, tc := range overrides {
		tiers[name] = tc
	}
	return &TierPolicy{tiers: tiers}
}

// Limits 查询等级对应的调度限制，未知等级按最低档处理
func (p *TierPolicy) Limits(tier string) scheduler.Limits {
	tc, ok := p.tiers[tier]
	if !ok {
		tc = p.tiers[model.TierFree]
	}
	return scheduler.Limits{
		Concurrency: tc.Concurrency,
		Delay:       time.Duration(tc.DelayMs) * time.Millisecond,
	}
}

// DailyClaim 查询等级对应的每日领取额度
func (p *TierPolicy) DailyClaim(tier string) int64 {
	tc, ok := p.tiers[tier]
	if !ok {
		tc = p.tiers[model.TierFree]
	}
	return tc.DailyClaim
}
