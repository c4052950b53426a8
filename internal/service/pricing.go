package service

import (
	"errors"
	"fmt"

	"cardbatch/internal/config"
	"cardbatch/internal/model"
)

// 缺失网关定价属于配置错误，必须在批次开始前暴露，
// 绝不允许在部分扣费之后才被发现
var ErrPricingNotConfigured = errors.New("网关定价未配置")

// CalculateCreditCost 单条结果的计费积分
// APPROVED 按 approved 单价，LIVE / THREE_DS_REQUIRED 按 live 单价，
// 其余状态（dead/error/declined/captcha 等）一律 0，不查价
func CalculateCreditCost(pricing config.PricingConfig, status string) int64 {
	switch status {
	case model.StatusApproved:
		return pricing.Approved
	case model.StatusLive, model.StatusThreeDS:
		return pricing.Live
	default:
		return 0
	}
}

// CalculateBatchCreditCost 批量计费：approved×单价 + live×单价
func CalculateBatchCreditCost(pricing config.PricingConfig, approvedCount, liveCount int) int64 {
	return int64(approvedCount)*pricing.Approved + int64(liveCount)*pricing.Live
}

// maxUnitCost 预检用的单卡最大单价
// 批次开始前无法预知各状态的分布，按保守上限估算
func maxUnitCost(pricing config.PricingConfig) int64 {
	if pricing.Approved > pricing.Live {
		return pricing.Approved
	}
	return pricing.Live
}

// pricingFor 查询网关定价，缺失即配置错误
func pricingFor(pricing map[string]config.PricingConfig, gatewayID string) (config.PricingConfig, error) {
	p, ok := pricing[gatewayID]
	if !ok {
		return config.PricingConfig{}, fmt.Errorf("%w: gateway=%s", ErrPricingNotConfigured, gatewayID)
	}
	return p, nil
}
