package gen

// NormalizeRemoteStatus 将远端各异的状态词表映射到内部状态。
// 映射表是唯一的归一化点，调用方不得自行解释远端状态字符串。
// 词表之外的状态返回 ProtocolError。
func NormalizeRemoteStatus(raw string) (Status, error) {
	switch toLowerASCII(raw) {
	case "succeeded", "success", "completed", "done", "ready", "ok":
		return StatusSucceeded, nil
	case "pending", "queued", "queueing", "in_queue", "created", "waiting",
		"running", "processing", "in_progress", "generating", "started":
		return StatusProcessing, nil
	case "failed", "fail", "failure", "error":
		return StatusFailed, nil
	default:
		return "", &ProtocolError{RawStatus: raw}
	}
}

// toLowerASCII converts ASCII letters to lowercase without allocating.
func toLowerASCII(s string) string {
	hasUpper := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b[i] = c
	}
	return string(b)
}
