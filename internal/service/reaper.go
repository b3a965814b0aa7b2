package service

import (
	"context"
	"time"

	"fitroom/internal/entity"
	"fitroom/internal/metrics"
	"fitroom/internal/model"

	"github.com/sirupsen/logrus"
)

const reaperBatchSize = 50

// Reaper 周期性扫描卡在 processing 的任务并重新对账。
//
// 进程重启会丢掉在途的后台轮询，没有这个兜底，这些任务会永远停在
// processing，用户的扣减也永远不会被退回。
type Reaper struct {
	repo  model.Repository
	tryOn *TryOnService

	interval time.Duration
	deadline time.Duration
}

// NewReaper 创建 reaper。interval 是扫描周期，deadline 是任务在
// processing 停留多久之后被视为卡死。
func NewReaper(repo model.Repository, tryOn *TryOnService, interval, deadline time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	return &Reaper{
		repo:     repo,
		tryOn:    tryOn,
		interval: interval,
		deadline: deadline,
	}
}

// Run 阻塞运行扫描循环，直到 ctx 取消。
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// 启动即扫一轮，尽快接管重启前的在途任务。
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.deadline)

	jobs, err := r.repo.ListStalledJobs(ctx, cutoff, reaperBatchSize)
	if err != nil {
		logrus.WithError(err).Error("list stalled jobs failed")
		return
	}
	if len(jobs) == 0 {
		return
	}

	logrus.WithField("count", len(jobs)).Info("reaping stalled jobs")

	for _, job := range jobs {
		// 先把 updated_at 顶上去认领任务，deadline 窗口内的后续扫描
		// 就不会为同一个任务再起一个对账者。
		status := entity.JobStatusProcessing
		claimed, err := r.repo.UpdateJobIfStatus(ctx, job.ID, entity.JobStatusProcessing, entity.JobUpdates{Status: &status})
		if err != nil {
			logrus.WithError(err).WithField("job_id", job.ID).Error("claim stalled job failed")
			continue
		}
		if !claimed {
			continue
		}

		metrics.StalledJobsReapedTotal.Inc()
		r.tryOn.Reconcile(job)
	}
}
