package gen

import (
	"context"
	"errors"
	"time"

	"fitroom/internal/metrics"

	"github.com/sirupsen/logrus"
)

// PollConfig 控制 PollUntilTerminal 的退避行为。
type PollConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPollConfig 适用于生成类任务的默认轮询配置。
// 上限刻意宽松：生成式图像任务本来就慢。
var DefaultPollConfig = PollConfig{
	MaxAttempts:  30,
	InitialDelay: 2 * time.Second,
	MaxDelay:     30 * time.Second,
}

// NextDelay 返回一次非终态观察之后的下一个等待间隔：
// 乘以 1.5 并封顶在 max。间隔序列单调不减。
func NextDelay(current, max time.Duration) time.Duration {
	next := current + current/2
	if max > 0 && next > max {
		next = max
	}
	if next < current {
		next = current
	}
	return next
}

// PollUntilTerminal 反复查询任务状态直到观察到终态或预算耗尽。
//
// 瞬时传输错误与非终态状态共享同一个尝试预算；协议错误（无法识别的
// 远端状态、被拒绝的请求）立即中止。远端失败终态返回 RemoteJobFailed，
// 预算耗尽返回 PollTimeoutError。
func PollUntilTerminal(ctx context.Context, svc Service, pollingHandle string, cfg PollConfig) (*StatusResult, error) {
	if pollingHandle == "" {
		return nil, errors.New("polling handle is required")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPollConfig.MaxAttempts
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = DefaultPollConfig.InitialDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPollConfig.MaxDelay
	}

	for attempt := 1; ; attempt++ {
		result, err := svc.FetchStatus(ctx, pollingHandle)
		if err != nil {
			if abortPoll(err) {
				return nil, err
			}
			logrus.WithError(err).WithFields(logrus.Fields{
				"polling_handle": pollingHandle,
				"attempt":        attempt,
			}).Warn("transient poll error")
		} else {
			switch result.Status {
			case StatusSucceeded:
				metrics.PollAttempts.Observe(float64(attempt))
				return result, nil
			case StatusFailed:
				metrics.PollAttempts.Observe(float64(attempt))
				return nil, &RemoteJobFailed{Detail: result.ErrorDetail}
			}
			logrus.WithFields(logrus.Fields{
				"polling_handle": pollingHandle,
				"status":         result.Status,
				"attempt":        attempt,
			}).Debug("poll status")
		}

		if attempt >= maxAttempts {
			metrics.PollAttempts.Observe(float64(attempt))
			return nil, &PollTimeoutError{Attempts: attempt}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = NextDelay(delay, maxDelay)
	}
}

// abortPoll 判断查询错误是否应中止整个轮询而不是退避重试。
func abortPoll(err error) bool {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return !reqErr.Unavailable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
