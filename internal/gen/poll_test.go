package gen

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeStatusService 按脚本逐次返回状态查询结果。
type fakeStatusService struct {
	results []fakeStatusStep
	calls   int
}

type fakeStatusStep struct {
	result *StatusResult
	err    error
}

func (f *fakeStatusService) Submit(context.Context, SubmitRequest) (*Submission, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStatusService) FetchStatus(context.Context, string) (*StatusResult, error) {
	step := f.results[len(f.results)-1]
	if f.calls < len(f.results) {
		step = f.results[f.calls]
	}
	f.calls++
	return step.result, step.err
}

// 测试用的快速轮询配置，避免真实等待。
var fastPoll = PollConfig{
	MaxAttempts:  5,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{name: "乘以1.5", current: 2 * time.Second, max: 30 * time.Second, want: 3 * time.Second},
		{name: "接近上限时封顶", current: 25 * time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "已到上限时保持", current: 30 * time.Second, max: 30 * time.Second, want: 30 * time.Second},
		{name: "无上限时持续增长", current: 40 * time.Second, max: 0, want: 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDelay(tt.current, tt.max); got != tt.want {
				t.Fatalf("NextDelay(%v, %v) = %v, 期望 %v", tt.current, tt.max, got, tt.want)
			}
		})
	}
}

func TestNextDelayMonotonic(t *testing.T) {
	delay := 2 * time.Second
	for i := 0; i < 20; i++ {
		next := NextDelay(delay, 30*time.Second)
		if next < delay {
			t.Fatalf("第 %d 次间隔回退: %v -> %v", i, delay, next)
		}
		delay = next
	}
	if delay != 30*time.Second {
		t.Fatalf("间隔应收敛到上限 30s，实际 %v", delay)
	}
}

func TestPollUntilTerminalSucceeded(t *testing.T) {
	svc := &fakeStatusService{results: []fakeStatusStep{
		{result: &StatusResult{Status: StatusProcessing}},
		{result: &StatusResult{Status: StatusProcessing}},
		{result: &StatusResult{Status: StatusSucceeded, ResultURL: "https://cdn.example.com/out.png"}},
	}}

	result, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	if err != nil {
		t.Fatalf("轮询应成功返回: %v", err)
	}
	if result.ResultURL != "https://cdn.example.com/out.png" {
		t.Fatalf("意外的结果地址: %q", result.ResultURL)
	}
	if svc.calls != 3 {
		t.Fatalf("期望查询 3 次，实际 %d 次", svc.calls)
	}
}

func TestPollUntilTerminalRemoteFailure(t *testing.T) {
	svc := &fakeStatusService{results: []fakeStatusStep{
		{result: &StatusResult{Status: StatusProcessing}},
		{result: &StatusResult{Status: StatusFailed, ErrorDetail: "nsfw content"}},
	}}

	_, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	var failed *RemoteJobFailed
	if !errors.As(err, &failed) {
		t.Fatalf("期望 RemoteJobFailed，实际 %v", err)
	}
	if failed.Detail != "nsfw content" {
		t.Fatalf("意外的失败详情: %q", failed.Detail)
	}
}

func TestPollUntilTerminalExhausted(t *testing.T) {
	svc := &fakeStatusService{results: []fakeStatusStep{
		{result: &StatusResult{Status: StatusProcessing}},
	}}

	_, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	var timeout *PollTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("期望 PollTimeoutError，实际 %v", err)
	}
	if timeout.Attempts != fastPoll.MaxAttempts {
		t.Fatalf("耗尽次数 = %d, 期望 %d", timeout.Attempts, fastPoll.MaxAttempts)
	}
	if svc.calls != fastPoll.MaxAttempts {
		t.Fatalf("查询次数 = %d, 期望 %d", svc.calls, fastPoll.MaxAttempts)
	}
}

func TestPollUntilTerminalTransientErrorsCountAgainstAttempts(t *testing.T) {
	// 5xx 属于瞬时错误，消耗预算但不会中止轮询。
	svc := &fakeStatusService{results: []fakeStatusStep{
		{err: &RequestError{StatusCode: 503, Body: "overloaded"}},
		{err: &RequestError{StatusCode: 502, Body: "bad gateway"}},
		{result: &StatusResult{Status: StatusSucceeded, ResultURL: "https://cdn.example.com/out.png"}},
	}}

	result, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	if err != nil {
		t.Fatalf("瞬时错误恢复后应成功: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("意外的状态: %q", result.Status)
	}
	if svc.calls != 3 {
		t.Fatalf("期望查询 3 次，实际 %d 次", svc.calls)
	}
}

func TestPollUntilTerminalAbortsOnProtocolError(t *testing.T) {
	svc := &fakeStatusService{results: []fakeStatusStep{
		{err: &ProtocolError{RawStatus: "exploded"}},
	}}

	_, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("期望 ProtocolError 立即中止，实际 %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("协议错误后不应继续查询，实际查询 %d 次", svc.calls)
	}
}

func TestPollUntilTerminalAbortsOnClientError(t *testing.T) {
	// 4xx 表示请求本身无效，重试没有意义。
	svc := &fakeStatusService{results: []fakeStatusStep{
		{err: &RequestError{StatusCode: 404, Body: "unknown task"}},
	}}

	_, err := PollUntilTerminal(context.Background(), svc, "task-1", fastPoll)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("期望 RequestError，实际 %v", err)
	}
	if svc.calls != 1 {
		t.Fatalf("4xx 后不应继续查询，实际查询 %d 次", svc.calls)
	}
}

func TestPollUntilTerminalContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := &fakeStatusService{results: []fakeStatusStep{
		{result: &StatusResult{Status: StatusProcessing}},
	}}

	_, err := PollUntilTerminal(ctx, svc, "task-1", fastPoll)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled，实际 %v", err)
	}
}

func TestRequestErrorUnavailable(t *testing.T) {
	tests := []struct {
		name string
		code int
		want bool
	}{
		{name: "传输失败", code: 0, want: true},
		{name: "服务端错误", code: 500, want: true},
		{name: "网关超时", code: 504, want: true},
		{name: "请求无效", code: 400, want: false},
		{name: "鉴权失败", code: 401, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &RequestError{StatusCode: tt.code}
			if got := err.Unavailable(); got != tt.want {
				t.Fatalf("Unavailable() = %v, 期望 %v", got, tt.want)
			}
		})
	}
}
