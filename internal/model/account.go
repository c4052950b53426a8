package model

import (
	"time"
)

// ============================================================================
// 速度等级常量
// ============================================================================

const (
	TierFree    = "free"
	TierBronze  = "bronze"
	TierSilver  = "silver"
	TierGold    = "gold"
	TierDiamond = "diamond"
)

// TierOrder 等级从低到高排列，限速策略必须沿此顺序单调
var TierOrder = []string{TierFree, TierBronze, TierSilver, TierGold, TierDiamond}

// CreditAccount 用户积分账户表
// 积分余额的唯一权威来源，任何成功操作之后余额不允许为负
type CreditAccount struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64      `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance        int64      `gorm:"not null;default:0" json:"balance"`                   // 可用积分
	Tier           string     `gorm:"type:varchar(20);not null;default:free" json:"tier"`  // 速度等级
	LastDailyClaim *time.Time `json:"last_daily_claim"`                                    // 上次每日领取时间
	Version        int        `gorm:"not null;default:0" json:"version"`                   // 乐观锁版本号
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditAccount) TableName() string {
	return "credit_account"
}
