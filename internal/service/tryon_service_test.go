package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fitroom/internal/credit"
	"fitroom/internal/entity"
	"fitroom/internal/gen"
	"fitroom/internal/model"

	"fitroom/internal/storage"

	"gorm.io/gorm"
)

// fakeJobRepo 用内存状态模拟存储层，带锁以支撑后台对账并发访问。
type fakeJobRepo struct {
	model.Repository

	mu sync.Mutex

	credits   int
	totalUsed int

	nextJobID uint
	jobs      map[uint]*entity.DbJob
	assets    map[uint]*entity.DbAsset
	entries   []entity.DbCreditEntry

	debitErr error
}

func newFakeJobRepo(credits int) *fakeJobRepo {
	return &fakeJobRepo{
		credits: credits,
		jobs:    make(map[uint]*entity.DbJob),
		assets:  make(map[uint]*entity.DbAsset),
	}
}

func (f *fakeJobRepo) GetUserByID(_ context.Context, id uint) (*entity.DbUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &entity.DbUser{ID: id, Credits: f.credits, TotalUsed: f.totalUsed}, nil
}

func (f *fakeJobRepo) DebitCreditsIf(_ context.Context, _ uint, cost int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return false, f.debitErr
	}
	if f.credits < cost {
		return false, nil
	}
	f.credits -= cost
	f.totalUsed += cost
	return true, nil
}

func (f *fakeJobRepo) RefundCredits(_ context.Context, _ uint, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits += amount
	f.totalUsed -= amount
	return nil
}

func (f *fakeJobRepo) AppendCreditEntry(_ context.Context, entry *entity.DbCreditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeJobRepo) CreateJob(_ context.Context, job *entity.DbJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJobID++
	job.ID = f.nextJobID
	job.CreatedAt = time.Now().UTC()
	clone := *job
	f.jobs[job.ID] = &clone
	return nil
}

func (f *fakeJobRepo) GetJob(_ context.Context, id uint) (*entity.DbJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *job
	return &clone, nil
}

func (f *fakeJobRepo) DeleteJob(_ context.Context, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	return nil
}

func (f *fakeJobRepo) UpdateJobIfStatus(_ context.Context, id uint, expected string, updates entity.JobUpdates) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status != expected {
		return false, nil
	}
	if updates.Status != nil {
		job.Status = *updates.Status
	}
	if updates.ResultPath != nil {
		job.ResultPath = *updates.ResultPath
	}
	if updates.ErrorMessage != nil {
		job.ErrorMessage = *updates.ErrorMessage
	}
	if updates.CompletedAt != nil {
		job.CompletedAt = updates.CompletedAt
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeJobRepo) GetAsset(_ context.Context, id uint) (*entity.DbAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asset, ok := f.assets[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *asset
	return &clone, nil
}

func (f *fakeJobRepo) addAsset(id uint, userID uint, kind string, public bool) {
	f.assets[id] = &entity.DbAsset{ID: id, UserID: userID, Kind: kind, Path: kind + "/a.png", IsPublic: public}
}

func (f *fakeJobRepo) sumByRequestID(requestID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, entry := range f.entries {
		if entry.RequestID == requestID {
			sum += entry.CreditsUsed
		}
	}
	return sum
}

func (f *fakeJobRepo) entryCountByRequestID(requestID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, entry := range f.entries {
		if entry.RequestID == requestID {
			count++
		}
	}
	return count
}

func (f *fakeJobRepo) balance() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits
}

// fakeGenService 按脚本响应提交与状态查询。
type fakeGenService struct {
	mu sync.Mutex

	submitErr error
	statuses  []fakeGenStep
	calls     int
}

type fakeGenStep struct {
	result *gen.StatusResult
	err    error
}

func (f *fakeGenService) Submit(context.Context, gen.SubmitRequest) (*gen.Submission, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &gen.Submission{ExternalJobID: "ext-1", PollingHandle: "handle-1"}, nil
}

func (f *fakeGenService) FetchStatus(context.Context, string) (*gen.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	step := f.statuses[len(f.statuses)-1]
	if f.calls < len(f.statuses) {
		step = f.statuses[f.calls]
	}
	f.calls++
	return step.result, step.err
}

// fakeStore 把写入记在内存里。
type fakeStore struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
	saveErr error
}

func (f *fakeStore) Save(_ context.Context, _ []byte, opts storage.SaveOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	key := fmt.Sprintf("%s/%s.png", opts.Category, opts.BaseName)
	f.saved = append(f.saved, key)
	return key, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

var resultDataURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
})

func newTestService(repo *fakeJobRepo, genSvc *fakeGenService, store *fakeStore) (*TryOnService, chan string) {
	svc := NewTryOnService(repo, store, genSvc, credit.NewLedger(repo), "/files")
	svc.SetPollConfig(gen.PollConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	done := make(chan string, 1)
	svc.SetNotifyFunc(func(_ string, _ uint, status string, _ string) {
		done <- status
	})
	return svc, done
}

func waitForNotify(t *testing.T, done chan string) string {
	t.Helper()
	select {
	case status := <-done:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("后台对账超时未完成")
		return ""
	}
}

func TestSubmitTryOnSuccess(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)

	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{result: &gen.StatusResult{Status: gen.StatusProcessing}},
		{result: &gen.StatusResult{Status: gen.StatusSucceeded, ResultURL: resultDataURL}},
	}}
	store := &fakeStore{}
	svc, done := newTestService(repo, genSvc, store)

	resp, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
		ClientID:       "c1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	if resp.Status != entity.JobStatusProcessing {
		t.Fatalf("提交响应状态 = %q, 期望 processing", resp.Status)
	}
	// 提交返回时积分已经扣掉。
	if repo.balance() != 10-credit.CostTryOn {
		t.Fatalf("提交后余额 = %d, 期望 %d", repo.balance(), 10-credit.CostTryOn)
	}

	if status := waitForNotify(t, done); status != "success" {
		t.Fatalf("通知状态 = %q, 期望 success", status)
	}

	job, err := repo.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("查任务失败: %v", err)
	}
	if job.Status != entity.JobStatusCompleted {
		t.Fatalf("任务状态 = %q, 期望 completed", job.Status)
	}
	if job.ResultPath == "" || job.CompletedAt == nil {
		t.Fatalf("完成任务缺少结果: %+v", job)
	}
	// 成功任务不退款：账本对该任务求和等于原始扣减额。
	if repo.balance() != 10-credit.CostTryOn {
		t.Fatalf("成功任务不应退款，余额 = %d", repo.balance())
	}
	if sum := repo.sumByRequestID(job.RequestID); sum != credit.CostTryOn {
		t.Fatalf("账本之和 = %d, 期望 %d", sum, credit.CostTryOn)
	}
}

func TestSubmitTryOnRemoteFailureRefundsOnce(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)

	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{result: &gen.StatusResult{Status: gen.StatusFailed, ErrorDetail: "nsfw content"}},
	}}
	store := &fakeStore{}
	svc, done := newTestService(repo, genSvc, store)

	resp, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
		ClientID:       "c1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	if status := waitForNotify(t, done); status != "failure" {
		t.Fatalf("通知状态 = %q, 期望 failure", status)
	}

	job, _ := repo.GetJob(context.Background(), resp.JobID)
	if job.Status != entity.JobStatusFailed {
		t.Fatalf("任务状态 = %q, 期望 failed", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("失败任务应记录错误信息")
	}
	// completed_at 只属于成功终态。
	if job.CompletedAt != nil {
		t.Fatalf("失败任务不应有完成时间: %v", job.CompletedAt)
	}
	// 失败任务全额退款，账本求和归零。
	if repo.balance() != 10 {
		t.Fatalf("退款后余额 = %d, 期望 10", repo.balance())
	}
	if sum := repo.sumByRequestID(job.RequestID); sum != 0 {
		t.Fatalf("账本之和 = %d, 期望 0", sum)
	}
	if count := repo.entryCountByRequestID(job.RequestID); count != 2 {
		t.Fatalf("账本条目数 = %d, 期望 2", count)
	}

	// 已终态任务再次对账是幂等空操作，不会二次退款。
	svc.reconcile(*job, "")
	if repo.balance() != 10 {
		t.Fatalf("重复对账后余额 = %d, 期望 10", repo.balance())
	}
	if count := repo.entryCountByRequestID(job.RequestID); count != 2 {
		t.Fatalf("重复对账后账本条目数 = %d, 期望 2", count)
	}
}

func TestSubmitTryOnInsufficientCredits(t *testing.T) {
	repo := newFakeJobRepo(credit.CostTryOn - 1)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)

	genSvc := &fakeGenService{}
	svc, _ := newTestService(repo, genSvc, &fakeStore{})

	_, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
	})
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("期望 ErrInsufficientCredits，实际 %v", err)
	}
	if len(repo.jobs) != 0 {
		t.Fatal("余额不足不应创建任务")
	}
}

func TestSubmitTryOnRemoteSubmitRejected(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)

	genSvc := &fakeGenService{submitErr: &gen.RequestError{StatusCode: 400, Body: "bad prompt"}}
	svc, _ := newTestService(repo, genSvc, &fakeStore{})

	_, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
	})
	if err == nil {
		t.Fatal("远端拒绝应返回错误")
	}
	// 远端受理之前不扣积分。
	if repo.balance() != 10 {
		t.Fatalf("余额 = %d, 期望 10", repo.balance())
	}
	if len(repo.jobs) != 0 {
		t.Fatal("受理失败不应留下任务")
	}
}

func TestSubmitTryOnDebitFailsAfterSubmit(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)
	repo.debitErr = errors.New("db gone")

	genSvc := &fakeGenService{}
	svc, _ := newTestService(repo, genSvc, &fakeStore{})

	_, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
	})
	if err == nil {
		t.Fatal("扣减失败应返回错误")
	}

	// 任务被判失败，但从未扣成功过，所以没有退款条目。
	if len(repo.jobs) != 1 {
		t.Fatalf("任务数 = %d, 期望 1", len(repo.jobs))
	}
	for _, job := range repo.jobs {
		if job.Status != entity.JobStatusFailed {
			t.Fatalf("任务状态 = %q, 期望 failed", job.Status)
		}
	}
	if repo.balance() != 10 {
		t.Fatalf("余额 = %d, 期望 10", repo.balance())
	}
	if len(repo.entries) != 0 {
		t.Fatalf("账本条目数 = %d, 期望 0", len(repo.entries))
	}
}

func TestReconcilePersistFailureRefunds(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 7, entity.AssetKindGarment, false)

	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{result: &gen.StatusResult{Status: gen.StatusSucceeded, ResultURL: resultDataURL}},
	}}
	store := &fakeStore{saveErr: errors.New("disk full")}
	svc, done := newTestService(repo, genSvc, store)

	resp, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
		ClientID:       "c1",
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	if status := waitForNotify(t, done); status != "failure" {
		t.Fatalf("通知状态 = %q, 期望 failure", status)
	}

	// 结果落盘失败等同任务失败：退款。
	job, _ := repo.GetJob(context.Background(), resp.JobID)
	if job.Status != entity.JobStatusFailed {
		t.Fatalf("任务状态 = %q, 期望 failed", job.Status)
	}
	if job.CompletedAt != nil {
		t.Fatalf("失败任务不应有完成时间: %v", job.CompletedAt)
	}
	if repo.balance() != 10 {
		t.Fatalf("余额 = %d, 期望 10", repo.balance())
	}
}

func TestSubmitTryOnAssetVisibility(t *testing.T) {
	repo := newFakeJobRepo(10)
	repo.addAsset(1, 7, entity.AssetKindPerson, false)
	repo.addAsset(2, 99, entity.AssetKindGarment, false) // 他人私有素材
	repo.addAsset(3, 99, entity.AssetKindGarment, true)  // 他人公开素材
	repo.addAsset(4, 7, entity.AssetKindScene, false)

	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{result: &gen.StatusResult{Status: gen.StatusSucceeded, ResultURL: resultDataURL}},
	}}
	svc, done := newTestService(repo, genSvc, &fakeStore{})

	_, err := svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 2,
	})
	if !errors.Is(err, ErrAssetNotAvailable) {
		t.Fatalf("他人私有素材应不可用，实际 %v", err)
	}

	// 类型不符同样不可用。
	_, err = svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  4,
		GarmentAssetID: 3,
	})
	if !errors.Is(err, ErrAssetNotAvailable) {
		t.Fatalf("类型不符素材应不可用，实际 %v", err)
	}

	// 他人公开素材可用。
	_, err = svc.SubmitTryOn(context.Background(), 7, entity.TryOnSubmitRequest{
		PersonAssetID:  1,
		GarmentAssetID: 3,
		ClientID:       "c1",
	})
	if err != nil {
		t.Fatalf("公开素材应可用: %v", err)
	}
	waitForNotify(t, done)
}

func TestCheckStatusAdvancesJob(t *testing.T) {
	repo := newFakeJobRepo(10)
	job := &entity.DbJob{
		UserID:        7,
		Kind:          entity.JobKindTryOn,
		Status:        entity.JobStatusProcessing,
		RequestID:     "req-check",
		PollingHandle: "handle-1",
		CreditsCost:   credit.CostTryOn,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("建任务失败: %v", err)
	}

	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{result: &gen.StatusResult{Status: gen.StatusSucceeded, ResultURL: resultDataURL}},
	}}
	store := &fakeStore{}
	svc, _ := newTestService(repo, genSvc, store)

	resp, err := svc.CheckStatus(context.Background(), 7, job.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if resp.Status != entity.JobStatusCompleted {
		t.Fatalf("查询应就地完成任务，状态 = %q", resp.Status)
	}
	if resp.ResultURL == "" {
		t.Fatal("完成任务应返回结果地址")
	}

	// 他人不可见。
	if _, err := svc.CheckStatus(context.Background(), 8, job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("他人任务应不可见，实际 %v", err)
	}
}

// seedDebitedJob 直接植入一个已扣费的 processing 任务，模拟提交完成后的状态。
func seedDebitedJob(t *testing.T, repo *fakeJobRepo, requestID string) *entity.DbJob {
	t.Helper()
	job := &entity.DbJob{
		UserID:        7,
		Kind:          entity.JobKindTryOn,
		Status:        entity.JobStatusProcessing,
		RequestID:     requestID,
		PollingHandle: "handle-1",
		CreditsCost:   credit.CostTryOn,
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("建任务失败: %v", err)
	}
	repo.mu.Lock()
	repo.credits -= credit.CostTryOn
	repo.totalUsed += credit.CostTryOn
	repo.entries = append(repo.entries, entity.DbCreditEntry{
		UserID:      7,
		Action:      entity.CreditActionTryOn,
		CreditsUsed: credit.CostTryOn,
		RequestID:   requestID,
	})
	repo.mu.Unlock()
	return job
}

func TestConcurrentFailureReconcilersRefundOnce(t *testing.T) {
	repo := newFakeJobRepo(10)
	job := seedDebitedJob(t, repo, "req-race")

	svc, _ := newTestService(repo, &fakeGenService{}, &fakeStore{})

	// 两个对账者同时认定任务失败，条件状态迁移只让一个赢家退款。
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clone := *job
			svc.finishFailed(context.Background(), &clone, "remote exploded", "remote_failed", "")
		}()
	}
	wg.Wait()

	got, _ := repo.GetJob(context.Background(), job.ID)
	if got.Status != entity.JobStatusFailed {
		t.Fatalf("任务状态 = %q, 期望 failed", got.Status)
	}
	if repo.balance() != 10 {
		t.Fatalf("并发对账后余额 = %d, 期望 10", repo.balance())
	}
	if sum := repo.sumByRequestID("req-race"); sum != 0 {
		t.Fatalf("账本之和 = %d, 期望 0", sum)
	}
	if count := repo.entryCountByRequestID("req-race"); count != 2 {
		t.Fatalf("账本条目数 = %d, 期望 2（一扣一退）", count)
	}
}

func TestCheckStatusProtocolErrorFailsJob(t *testing.T) {
	repo := newFakeJobRepo(10)
	job := seedDebitedJob(t, repo, "req-proto")

	// 词表之外的远端状态：手动查询与后台轮询走同一条失败路径。
	genSvc := &fakeGenService{statuses: []fakeGenStep{
		{err: &gen.ProtocolError{RawStatus: "exploded"}},
	}}
	svc, _ := newTestService(repo, genSvc, &fakeStore{})

	resp, err := svc.CheckStatus(context.Background(), 7, job.ID)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if resp.Status != entity.JobStatusFailed {
		t.Fatalf("协议错误应判任务失败，状态 = %q", resp.Status)
	}
	if resp.ErrorMessage == "" {
		t.Fatal("失败任务应记录错误信息")
	}
	if repo.balance() != 10 {
		t.Fatalf("退款后余额 = %d, 期望 10", repo.balance())
	}
	if count := repo.entryCountByRequestID("req-proto"); count != 2 {
		t.Fatalf("账本条目数 = %d, 期望 2", count)
	}
}

func TestDeleteJobRules(t *testing.T) {
	repo := newFakeJobRepo(10)
	processing := &entity.DbJob{UserID: 7, Kind: entity.JobKindTryOn, Status: entity.JobStatusProcessing, RequestID: "req-a"}
	completed := &entity.DbJob{UserID: 7, Kind: entity.JobKindTryOn, Status: entity.JobStatusCompleted, RequestID: "req-b", ResultPath: "results/req-b.png"}
	_ = repo.CreateJob(context.Background(), processing)
	_ = repo.CreateJob(context.Background(), completed)

	store := &fakeStore{}
	svc, _ := newTestService(repo, &fakeGenService{}, store)

	if err := svc.DeleteJob(context.Background(), 7, processing.ID); !errors.Is(err, ErrJobNotTerminal) {
		t.Fatalf("处理中任务不应可删，实际 %v", err)
	}

	if err := svc.DeleteJob(context.Background(), 7, completed.ID); err != nil {
		t.Fatalf("删除终态任务失败: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "results/req-b.png" {
		t.Fatalf("结果文件应一并删除: %v", store.deleted)
	}
	if _, err := repo.GetJob(context.Background(), completed.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatal("任务记录应已删除")
	}
}
