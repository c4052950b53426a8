package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/infrastructure/lock"
	"cardbatch/internal/model"
	"cardbatch/internal/repository"
	"cardbatch/pkg/idgen"

	"gorm.io/gorm"
)

// 每日领取冷却：20 小时而非自然日边界，容忍跨日前后的时钟偏差
const dailyClaimInterval = 20 * time.Hour

// CreditService 积分账本
// 余额的唯一权威来源：每次余额变动与对应流水在同一事务内落盘，
// 共享账户行用乐观锁保护，同一用户的多个批次可以并行扣费而不互相死锁
type CreditService struct {
	db              *gorm.DB
	cfg             *config.Config
	locker          lock.Locker
	tiers           *TierPolicy
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewCreditService(db *gorm.DB, cfg *config.Config, locker lock.Locker, tiers *TierPolicy) *CreditService {
	return &CreditService{
		db:              db,
		cfg:             cfg,
		locker:          locker,
		tiers:           tiers,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 账户查询 / 初始化
// ============================================================

// GetBalance 查询余额，账户不存在返回 repository.ErrAccountNotFound
func (s *CreditService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// GetOrCreateAccount 获取账户，不存在则按最低档创建并发放初始积分
func (s *CreditService) GetOrCreateAccount(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, err
	}

	starter := s.cfg.Business.StarterCredits
	err = s.db.Transaction(func(tx *gorm.DB) error {
		newAccount := &model.CreditAccount{
			UserID:  userID,
			Balance: starter,
			Tier:    model.TierFree,
		}
		created, err := s.accountRepo.CreateIfAbsent(ctx, tx, newAccount)
		if err != nil {
			return fmt.Errorf("创建账户失败: %w", err)
		}
		if !created || starter <= 0 {
			return nil
		}
		// 初始积分与账户同事务落流水
		return s.transactionRepo.Create(ctx, tx, &model.CreditTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Amount:        starter,
			Type:          model.TransactionTypeStarter,
			BalanceBefore: 0,
			BalanceAfter:  starter,
			Remark:        "新账户初始积分",
		})
	})
	if err != nil {
		return nil, err
	}

	return s.accountRepo.GetByUserID(ctx, userID)
}

// ============================================================
// 入账
// ============================================================

// AddCreditsOptions 入账选项
type AddCreditsOptions struct {
	Description    string
	IdempotencyKey string
}

// AddCreditsResult 入账结果
type AddCreditsResult struct {
	TransactionNo string `json:"transaction_no"`
	NewBalance    int64  `json:"new_balance"`
	Duplicate     bool   `json:"duplicate"` // 幂等键重复，返回的是原始流水
}

// AddCredits 入账
// 幂等律：同一个幂等键调用两次，余额只增加一次，两次都返回原始流水号
func (s *CreditService) AddCredits(ctx context.Context, userID int64, amount int64, txType string, opts AddCreditsOptions) (*AddCreditsResult, error) {
	if amount <= 0 {
		return nil, errors.New("入账金额必须大于0")
	}

	// 锁外快速幂等回查
	if opts.IdempotencyKey != "" {
		existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("幂等回查失败: %w", err)
		}
		if existing != nil {
			return &AddCreditsResult{
				TransactionNo: existing.TransactionNo,
				NewBalance:    existing.BalanceAfter,
				Duplicate:     true,
			}, nil
		}
	}

	var result *AddCreditsResult
	lockKey := fmt.Sprintf("credit:lock:user:%d", userID)
	err := s.locker.WithLock(ctx, lockKey, func() error {
		// 获取锁后再次检查幂等；唯一索引是最终兜底
		if opts.IdempotencyKey != "" {
			existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, opts.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result = &AddCreditsResult{
					TransactionNo: existing.TransactionNo,
					NewBalance:    existing.BalanceAfter,
					Duplicate:     true,
				}
				return nil
			}
		}

		if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
			return err
		}

		return s.withCASRetry(ctx, userID, func(account *model.CreditAccount) error {
			return s.db.Transaction(func(tx *gorm.DB) error {
				if err := s.accountRepo.Increase(ctx, tx, userID, amount, account.Version); err != nil {
					return err
				}

				trans := &model.CreditTransaction{
					TransactionNo: idgen.GenerateTransactionNo(),
					UserID:        userID,
					Amount:        amount,
					Type:          txType,
					BalanceBefore: account.Balance,
					BalanceAfter:  account.Balance + amount,
					Remark:        opts.Description,
				}
				if opts.IdempotencyKey != "" {
					key := opts.IdempotencyKey
					trans.IdempotencyKey = &key
				}
				if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
					return fmt.Errorf("记录流水失败: %w", err)
				}

				result = &AddCreditsResult{
					TransactionNo: trans.TransactionNo,
					NewBalance:    trans.BalanceAfter,
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================
// 扣费
// ============================================================

// StatusCounts 批量扣费的计费状态计数
type StatusCounts struct {
	ApprovedCount int `json:"approved_count"`
	LiveCount     int `json:"live_count"`
}

// DeductResult 扣费结果
type DeductResult struct {
	Success         bool     `json:"success"`
	CreditsDeducted int64    `json:"credits_deducted"`
	NewBalance      int64    `json:"new_balance"`
	TransactionNo   string   `json:"transaction_no,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// DeductCredits 按状态计数一次性扣费
// 费用为 0 时直接成功且不落流水；积分不足返回 InsufficientCreditsError
func (s *CreditService) DeductCredits(ctx context.Context, userID int64, gatewayID string, counts StatusCounts, remark string) (*DeductResult, error) {
	pricing, err := pricingFor(s.cfg.Pricing, gatewayID)
	if err != nil {
		return nil, err
	}

	cost := CalculateBatchCreditCost(pricing, counts.ApprovedCount, counts.LiveCount)
	if cost == 0 {
		balance, err := s.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &DeductResult{Success: true, CreditsDeducted: 0, NewBalance: balance}, nil
	}

	if remark == "" {
		remark = fmt.Sprintf("批量扣费-%s", gatewayID)
	}
	return s.deductWithLedger(ctx, userID, gatewayID, cost, remark)
}

// DeductSingleCardCredit 单卡实时扣费
// 批次执行过程中逐卡扣减，余额耗尽能立即停止批次，而不是结束后才发现透支。
// 免费状态直接成功，不读账户不落流水。
//
// 并发扣费依赖乐观锁：读余额 → 计算 → 条件写（版本未变），
// 冲突时整轮重试，上限耗尽返回 ErrConcurrencyConflict
func (s *CreditService) DeductSingleCardCredit(ctx context.Context, userID int64, gatewayID, status string) (*DeductResult, error) {
	pricing, err := pricingFor(s.cfg.Pricing, gatewayID)
	if err != nil {
		return nil, err
	}

	cost := CalculateCreditCost(pricing, status)
	if cost == 0 {
		return &DeductResult{Success: true, CreditsDeducted: 0}, nil
	}

	var newBalance int64
	err = s.withCASRetry(ctx, userID, func(account *model.CreditAccount) error {
		if account.Balance < cost {
			return &InsufficientCreditsError{
				CurrentBalance:  account.Balance,
				RequiredCredits: cost,
			}
		}
		if err := s.accountRepo.Deduct(ctx, nil, userID, cost, account.Version); err != nil {
			return err
		}
		newBalance = account.Balance - cost
		return nil
	})
	if err != nil {
		return nil, s.mapInsufficient(ctx, userID, cost, err)
	}

	// 单卡扣费不逐笔落流水，批次结束由 RecordBatchTransaction 写一条汇总流水，
	// 避免账单被 N 条琐碎记录淹没
	return &DeductResult{Success: true, CreditsDeducted: cost, NewBalance: newBalance}, nil
}

// deductWithLedger 扣减余额并在同一事务内落流水
func (s *CreditService) deductWithLedger(ctx context.Context, userID int64, gatewayID string, cost int64, remark string) (*DeductResult, error) {
	var result *DeductResult
	err := s.withCASRetry(ctx, userID, func(account *model.CreditAccount) error {
		if account.Balance < cost {
			return &InsufficientCreditsError{
				CurrentBalance:  account.Balance,
				RequiredCredits: cost,
			}
		}
		return s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.accountRepo.Deduct(ctx, tx, userID, cost, account.Version); err != nil {
				return err
			}
			trans := &model.CreditTransaction{
				TransactionNo: idgen.GenerateTransactionNo(),
				UserID:        userID,
				Amount:        -cost,
				Type:          model.TransactionTypeUsage,
				BalanceBefore: account.Balance,
				BalanceAfter:  account.Balance - cost,
				GatewayID:     gatewayID,
				Remark:        remark,
			}
			if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
				return fmt.Errorf("记录流水失败: %w", err)
			}
			result = &DeductResult{
				Success:         true,
				CreditsDeducted: cost,
				NewBalance:      trans.BalanceAfter,
				TransactionNo:   trans.TransactionNo,
			}
			return nil
		})
	})
	if err != nil {
		return nil, s.mapInsufficient(ctx, userID, cost, err)
	}
	return result, nil
}

// mapInsufficient 条件扣减在读-写窗口内余额被并发扣走时，
// 仓储层回报的是哨兵错误，这里统一折算为带余额上下文的类型化错误
func (s *CreditService) mapInsufficient(ctx context.Context, userID int64, cost int64, err error) error {
	if !errors.Is(err, repository.ErrInsufficientCredit) {
		return err
	}
	account, gerr := s.accountRepo.GetByUserID(ctx, userID)
	if gerr != nil {
		return gerr
	}
	return &InsufficientCreditsError{
		CurrentBalance:  account.Balance,
		RequiredCredits: cost,
	}
}

// withCASRetry 乐观锁重试骨架：读取账户 → fn → 冲突则整轮重试
// 重试必须有界，避免病态争用下的无限循环
func (s *CreditService) withCASRetry(ctx context.Context, userID int64, fn func(account *model.CreditAccount) error) error {
	maxRetries := s.cfg.Business.CASMaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	backoff := time.Duration(s.cfg.Business.CASBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 20 * time.Millisecond
	}

	for i := 0; i < maxRetries; i++ {
		account, err := s.accountRepo.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}

		err = fn(account)
		if errors.Is(err, repository.ErrOptimisticLock) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}
		return err
	}
	return ErrConcurrencyConflict
}

// ============================================================
// 批次结算
// ============================================================

// BatchLedgerStats 批次结算入参
type BatchLedgerStats struct {
	BatchNo              string `json:"batch_no"`
	TotalCards           int    `json:"total_cards"`
	ProcessedCards       int    `json:"processed_cards"`
	WasStopped           bool   `json:"was_stopped"`
	StopReason           string `json:"stop_reason"`
	TotalCreditsDeducted int64  `json:"total_credits_deducted"`
}

// RecordBatchTransaction 批次结束后写一条汇总流水
// 批次内逐卡扣费不落流水，这里补一条覆盖全批次的记录；
// 总扣费为 0 时跳过。发件箱写入失败不影响结算成功，以 Warnings 显式上报
func (s *CreditService) RecordBatchTransaction(ctx context.Context, userID int64, gatewayID string, stats BatchLedgerStats) (*DeductResult, error) {
	if stats.TotalCreditsDeducted == 0 {
		return &DeductResult{Success: true, CreditsDeducted: 0}, nil
	}

	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	trans := &model.CreditTransaction{
		TransactionNo:  idgen.GenerateTransactionNo(),
		UserID:         userID,
		Amount:         -stats.TotalCreditsDeducted,
		Type:           model.TransactionTypeUsage,
		BalanceBefore:  account.Balance + stats.TotalCreditsDeducted,
		BalanceAfter:   account.Balance,
		GatewayID:      gatewayID,
		BatchNo:        stats.BatchNo,
		TotalCards:     stats.TotalCards,
		ProcessedCards: stats.ProcessedCards,
		WasStopped:     stats.WasStopped,
		StopReason:     stats.StopReason,
		Remark:         fmt.Sprintf("批次结算-%s", gatewayID),
	}
	if err := s.transactionRepo.Create(ctx, nil, trans); err != nil {
		return nil, fmt.Errorf("记录批次流水失败: %w", err)
	}

	result := &DeductResult{
		Success:         true,
		CreditsDeducted: stats.TotalCreditsDeducted,
		NewBalance:      account.Balance,
		TransactionNo:   trans.TransactionNo,
	}

	// 批次结果消息走发件箱异步投递；写入失败降级为警告而不是吞掉
	payload, _ := json.Marshal(stats)
	outboxMsg := &model.OutboxMessage{
		MessageKey: stats.BatchNo,
		Topic:      s.cfg.Kafka.Topic.BatchResult,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		log.Printf("[CreditService] 批次消息写入发件箱失败: batchNo=%s, err=%v", stats.BatchNo, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("批次消息写入失败: %v", err))
	}

	return result, nil
}

// ============================================================
// 每日领取
// ============================================================

// ClaimResult 每日领取结果
type ClaimResult struct {
	Amount             int64     `json:"amount"`
	NewBalance         int64     `json:"new_balance"`
	NextClaimAvailable time.Time `json:"next_claim_available"`
}

// ClaimDailyCredits 领取每日积分
// 距上次领取不足 20 小时返回 AlreadyClaimedError（携带下次可领取时间）；
// 成功时余额、领取时间、CLAIM 流水作为一个逻辑单元落盘
func (s *CreditService) ClaimDailyCredits(ctx context.Context, userID int64) (*ClaimResult, error) {
	var result *ClaimResult
	lockKey := fmt.Sprintf("credit:claim:user:%d", userID)
	err := s.locker.WithLock(ctx, lockKey, func() error {
		account, err := s.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}

		now := time.Now()
		if account.LastDailyClaim != nil {
			next := account.LastDailyClaim.Add(dailyClaimInterval)
			if now.Before(next) {
				return &AlreadyClaimedError{NextClaimAvailable: next}
			}
		}

		amount := s.tiers.DailyClaim(account.Tier)

		return s.withCASRetry(ctx, userID, func(account *model.CreditAccount) error {
			return s.db.Transaction(func(tx *gorm.DB) error {
				if err := s.accountRepo.IncreaseWithClaim(ctx, tx, userID, amount, now, account.Version); err != nil {
					return err
				}
				trans := &model.CreditTransaction{
					TransactionNo: idgen.GenerateTransactionNo(),
					UserID:        userID,
					Amount:        amount,
					Type:          model.TransactionTypeClaim,
					BalanceBefore: account.Balance,
					BalanceAfter:  account.Balance + amount,
					Remark:        fmt.Sprintf("每日领取-%s", account.Tier),
				}
				if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
					return fmt.Errorf("记录流水失败: %w", err)
				}
				result = &ClaimResult{
					Amount:             amount,
					NewBalance:         trans.BalanceAfter,
					NextClaimAvailable: now.Add(dailyClaimInterval),
				}
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================
// 预检
// ============================================================

// SufficiencyResult 批次开始前的积分预检结果
type SufficiencyResult struct {
	Sufficient      bool  `json:"sufficient"`
	RequiredCredits int64 `json:"required_credits"`
	CurrentBalance  int64 `json:"current_balance"`
}

// CheckSufficientCredits 保守预估：按 approved/live 中较高的单价 × 卡数
// 事前无法预知各状态分布，宁可高估也不承诺兑现不了的额度
func (s *CreditService) CheckSufficientCredits(ctx context.Context, userID int64, gatewayID string, cardCount int) (*SufficiencyResult, error) {
	pricing, err := pricingFor(s.cfg.Pricing, gatewayID)
	if err != nil {
		return nil, err
	}

	account, err := s.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	required := maxUnitCost(pricing) * int64(cardCount)
	return &SufficiencyResult{
		Sufficient:      account.Balance >= required,
		RequiredCredits: required,
		CurrentBalance:  account.Balance,
	}, nil
}

// ListTransactions 分页查询流水
func (s *CreditService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}
