package model

import (
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePurchase = "PURCHASE" // 购买积分
	TransactionTypeUsage    = "USAGE"    // 检测消耗
	TransactionTypeClaim    = "CLAIM"    // 每日领取
	TransactionTypeBonus    = "BONUS"    // 活动赠送
	TransactionTypeReferral = "REFERRAL" // 邀请奖励
	TransactionTypeStarter  = "STARTER"  // 新账户初始积分
	TransactionTypeRefund   = "REFUND"   // 退还
)

// CreditTransaction 积分流水表
//
// 流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 记录交易前后余额，BalanceAfter 必须等于该笔操作完成后的账户余额
// 3. IdempotencyKey 存在时全局唯一，同一个 key 最多只产生一笔流水
type CreditTransaction struct {
	ID             int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID         int64   `gorm:"index;not null" json:"user_id"`
	Amount         int64   `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Type           string  `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore  int64   `gorm:"not null" json:"balance_before"`
	BalanceAfter   int64   `gorm:"not null" json:"balance_after"`
	IdempotencyKey *string `gorm:"type:varchar(64);uniqueIndex" json:"idempotency_key,omitempty"` // 幂等键，可空
	GatewayID      string  `gorm:"type:varchar(64)" json:"gateway_id,omitempty"`                  // 关联网关

	// 批次汇总字段，仅批次结算流水填写
	BatchNo        string `gorm:"type:varchar(64);index" json:"batch_no,omitempty"`
	TotalCards     int    `gorm:"not null;default:0" json:"total_cards,omitempty"`
	ProcessedCards int    `gorm:"not null;default:0" json:"processed_cards,omitempty"`
	WasStopped     bool   `gorm:"not null;default:false" json:"was_stopped,omitempty"`
	StopReason     string `gorm:"type:varchar(32)" json:"stop_reason,omitempty"`

	Remark    string    `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}
