package gen

import "fmt"

// RequestError 表示远端提交调用被拒绝，携带远端状态码与响应体
// 供诊断使用。4xx 视为请求无效，5xx 与传输失败视为服务不可用。
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("generation api http %d: %s", e.StatusCode, e.Body)
}

// Unavailable 判断错误是否属于服务端问题（可安全地原样重试提交）。
func (e *RequestError) Unavailable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 0
}

// ProtocolError 表示远端返回了词表之外的状态。
// 未知状态必须显式失败，绝不能默默当作 processing 处理。
type ProtocolError struct {
	RawStatus string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unrecognised remote status %q", e.RawStatus)
}

// PollTimeoutError 表示轮询在观察到终态前耗尽了尝试预算。
type PollTimeoutError struct {
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("polling exhausted after %d attempts", e.Attempts)
}

// RemoteJobFailed 表示远端任务以失败终态结束。
type RemoteJobFailed struct {
	Detail string
}

func (e *RemoteJobFailed) Error() string {
	if e.Detail == "" {
		return "remote job failed"
	}
	return "remote job failed: " + e.Detail
}
