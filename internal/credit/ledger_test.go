package credit

import (
	"context"
	"errors"
	"testing"

	"fitroom/internal/entity"
	"fitroom/internal/model"
)

// fakeLedgerRepo 用内存余额模拟存储层的原子积分操作。
type fakeLedgerRepo struct {
	model.Repository

	credits        int
	totalUsed      int
	totalPurchased int

	entries   []entity.DbCreditEntry
	appendErr error
}

func (f *fakeLedgerRepo) DebitCreditsIf(_ context.Context, _ uint, cost int) (bool, error) {
	if f.credits < cost {
		return false, nil
	}
	f.credits -= cost
	f.totalUsed += cost
	return true, nil
}

func (f *fakeLedgerRepo) RefundCredits(_ context.Context, _ uint, amount int) error {
	f.credits += amount
	f.totalUsed -= amount
	return nil
}

func (f *fakeLedgerRepo) GrantCredits(_ context.Context, _ uint, amount int, _ string) error {
	f.credits += amount
	f.totalPurchased += amount
	return nil
}

func (f *fakeLedgerRepo) AppendCreditEntry(_ context.Context, entry *entity.DbCreditEntry) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLedgerRepo) GetUserByID(_ context.Context, id uint) (*entity.DbUser, error) {
	return &entity.DbUser{
		ID:             id,
		Credits:        f.credits,
		TotalUsed:      f.totalUsed,
		TotalPurchased: f.totalPurchased,
	}, nil
}

func (f *fakeLedgerRepo) sumByRequestID(requestID string) int {
	sum := 0
	for _, entry := range f.entries {
		if entry.RequestID == requestID {
			sum += entry.CreditsUsed
		}
	}
	return sum
}

func TestLedgerDebit(t *testing.T) {
	repo := &fakeLedgerRepo{credits: 10}
	ledger := NewLedger(repo)

	err := ledger.Debit(context.Background(), 1, entity.CreditActionTryOn, CostTryOn, "req-1", nil)
	if err != nil {
		t.Fatalf("余额充足时扣减应成功: %v", err)
	}
	if repo.credits != 7 {
		t.Fatalf("余额 = %d, 期望 7", repo.credits)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("期望 1 条账本条目，实际 %d 条", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.CreditsUsed != CostTryOn || entry.Action != entity.CreditActionTryOn || entry.RequestID != "req-1" {
		t.Fatalf("意外的账本条目: %+v", entry)
	}
}

func TestLedgerDebitInsufficient(t *testing.T) {
	repo := &fakeLedgerRepo{credits: 2}
	ledger := NewLedger(repo)

	err := ledger.Debit(context.Background(), 1, entity.CreditActionTryOn, CostTryOn, "req-1", nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("期望 ErrInsufficientCredits，实际 %v", err)
	}
	if repo.credits != 2 {
		t.Fatalf("扣减失败不应改变余额，实际 %d", repo.credits)
	}
	if len(repo.entries) != 0 {
		t.Fatalf("扣减失败不应追加账本条目，实际 %d 条", len(repo.entries))
	}
}

func TestLedgerRefundConservation(t *testing.T) {
	repo := &fakeLedgerRepo{credits: 10}
	ledger := NewLedger(repo)
	ctx := context.Background()

	if err := ledger.Debit(ctx, 1, entity.CreditActionModelGeneration, CostModelGeneration, "req-2", nil); err != nil {
		t.Fatalf("扣减失败: %v", err)
	}
	if err := ledger.Refund(ctx, 1, CostModelGeneration, "req-2", entity.JSONMap{"reason": "remote job failed"}); err != nil {
		t.Fatalf("退款失败: %v", err)
	}

	if repo.credits != 10 {
		t.Fatalf("退款后余额应恢复为 10，实际 %d", repo.credits)
	}
	if repo.totalUsed != 0 {
		t.Fatalf("退款后 total_used 应归零，实际 %d", repo.totalUsed)
	}
	// 失败任务的账本条目求和必须归零。
	if sum := repo.sumByRequestID("req-2"); sum != 0 {
		t.Fatalf("账本条目之和 = %d, 期望 0", sum)
	}
	if len(repo.entries) != 2 {
		t.Fatalf("期望 2 条账本条目，实际 %d 条", len(repo.entries))
	}
}

func TestLedgerAppendFailureKeepsBalance(t *testing.T) {
	repo := &fakeLedgerRepo{credits: 10, appendErr: errors.New("disk full")}
	ledger := NewLedger(repo)

	// 账本追加失败时余额变更已生效，不回滚。
	if err := ledger.Debit(context.Background(), 1, entity.CreditActionTryOn, CostTryOn, "req-3", nil); err != nil {
		t.Fatalf("账本失败不应使扣减报错: %v", err)
	}
	if repo.credits != 7 {
		t.Fatalf("余额 = %d, 期望 7", repo.credits)
	}
}

func TestLedgerGrant(t *testing.T) {
	repo := &fakeLedgerRepo{}
	ledger := NewLedger(repo)

	if err := ledger.Grant(context.Background(), 1, 50, "monthly pack"); err != nil {
		t.Fatalf("充值失败: %v", err)
	}
	if repo.credits != 50 || repo.totalPurchased != 50 {
		t.Fatalf("充值后余额 = %d, total_purchased = %d", repo.credits, repo.totalPurchased)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("期望 1 条账本条目，实际 %d 条", len(repo.entries))
	}
	if repo.entries[0].CreditsUsed != -50 || repo.entries[0].Action != entity.CreditActionGrant {
		t.Fatalf("意外的充值条目: %+v", repo.entries[0])
	}

	if err := ledger.Grant(context.Background(), 1, 0, ""); err == nil {
		t.Fatal("非正数充值应报错")
	}
}

func TestCostForAction(t *testing.T) {
	tests := []struct {
		action string
		want   int
		ok     bool
	}{
		{action: entity.CreditActionModelGeneration, want: 5, ok: true},
		{action: entity.CreditActionTryOn, want: 3, ok: true},
		{action: entity.CreditActionSceneGeneration, want: 2, ok: true},
		{action: "unknown", want: 0, ok: false},
	}
	for _, tt := range tests {
		got, ok := CostForAction(tt.action)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("CostForAction(%q) = (%d, %v), 期望 (%d, %v)", tt.action, got, ok, tt.want, tt.ok)
		}
	}
}
