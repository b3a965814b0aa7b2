package credit

import (
	"context"
	"errors"

	"fitroom/internal/entity"
	"fitroom/internal/model"

	"github.com/sirupsen/logrus"
)

// ErrInsufficientCredits 表示余额不足以支付本次扣减。
var ErrInsufficientCredits = errors.New("insufficient credits")

// 各任务类型的积分价格。定价是业务常量，不走配置。
const (
	CostModelGeneration = 5
	CostTryOn           = 3
	CostSceneGeneration = 2
)

// CostForAction 返回任务动作对应的扣减额。
func CostForAction(action string) (int, bool) {
	switch action {
	case entity.CreditActionModelGeneration:
		return CostModelGeneration, true
	case entity.CreditActionTryOn:
		return CostTryOn, true
	case entity.CreditActionSceneGeneration:
		return CostSceneGeneration, true
	default:
		return 0, false
	}
}

// Ledger 负责积分余额变更与只追加账本。
//
// 余额是唯一的事实来源：余额变更原子生效后才追加账本条目，
// 账本写入失败只记日志，绝不回滚已生效的余额。
type Ledger struct {
	repo model.Repository
}

// NewLedger 创建账本服务。
func NewLedger(repo model.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Debit 原子扣减：仅当余额充足时生效，并追加一条借记条目。
// 余额不足返回 ErrInsufficientCredits。
func (l *Ledger) Debit(ctx context.Context, userID uint, action string, cost int, requestID string, details entity.JSONMap) error {
	if cost <= 0 {
		return errors.New("debit cost must be positive")
	}

	ok, err := l.repo.DebitCreditsIf(ctx, userID, cost)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientCredits
	}

	l.append(ctx, &entity.DbCreditEntry{
		UserID:      userID,
		Action:      action,
		CreditsUsed: cost,
		RequestID:   requestID,
		Details:     details,
	})
	return nil
}

// Refund 恢复余额并追加一条与原扣减等额的负数条目。
func (l *Ledger) Refund(ctx context.Context, userID uint, cost int, requestID string, details entity.JSONMap) error {
	if cost <= 0 {
		return errors.New("refund amount must be positive")
	}

	if err := l.repo.RefundCredits(ctx, userID, cost); err != nil {
		return err
	}

	l.append(ctx, &entity.DbCreditEntry{
		UserID:      userID,
		Action:      entity.CreditActionRefund,
		CreditsUsed: -cost,
		RequestID:   requestID,
		Details:     details,
	})
	return nil
}

// Grant 充值：增加余额并追加一条贷记条目。
func (l *Ledger) Grant(ctx context.Context, userID uint, amount int, reason string) error {
	if amount <= 0 {
		return errors.New("grant amount must be positive")
	}

	if err := l.repo.GrantCredits(ctx, userID, amount, reason); err != nil {
		return err
	}

	details := entity.JSONMap{}
	if reason != "" {
		details["reason"] = reason
	}
	l.append(ctx, &entity.DbCreditEntry{
		UserID:      userID,
		Action:      entity.CreditActionGrant,
		CreditsUsed: -amount,
		Details:     details,
	})
	return nil
}

// Balance 返回用户当前余额快照。
func (l *Ledger) Balance(ctx context.Context, userID uint) (*entity.CreditBalanceResponse, error) {
	user, err := l.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &entity.CreditBalanceResponse{
		Credits:        user.Credits,
		TotalPurchased: user.TotalPurchased,
		TotalUsed:      user.TotalUsed,
	}, nil
}

// Entries 返回账本条目分页列表。
func (l *Ledger) Entries(ctx context.Context, params *entity.CreditEntryQuery) (*entity.CreditEntryListResponse, error) {
	entries, meta, err := l.repo.ListCreditEntries(ctx, params)
	if err != nil {
		return nil, err
	}
	items := make([]entity.CreditEntryItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entity.CreditEntryItem{
			ID:          entry.ID,
			Action:      entry.Action,
			CreditsUsed: entry.CreditsUsed,
			RequestID:   entry.RequestID,
			Details:     entry.Details,
			CreatedAt:   entry.CreatedAt,
		})
	}
	return &entity.CreditEntryListResponse{Entries: items, Meta: meta}, nil
}

// append 追加账本条目。余额已生效，这里失败只记日志。
func (l *Ledger) append(ctx context.Context, entry *entity.DbCreditEntry) {
	if err := l.repo.AppendCreditEntry(ctx, entry); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id":      entry.UserID,
			"action":       entry.Action,
			"credits_used": entry.CreditsUsed,
			"request_id":   entry.RequestID,
		}).Error("append credit entry failed")
	}
}
