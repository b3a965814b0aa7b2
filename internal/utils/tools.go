package utils

import "strings"

func EnsureDataURL(value string) string {
	if strings.HasPrefix(value, "data:") {
		return value
	}
	return "data:image/jpeg;base64," + value
}

func SplitDataURL(value string) (string, string) {
	if !strings.HasPrefix(value, "data:") {
		return "image/jpeg", value
	}

	value = strings.TrimPrefix(value, "data:")
	parts := strings.SplitN(value, ";base64,", 2)
	if len(parts) != 2 {
		return "image/jpeg", ""
	}
	return parts[0], parts[1]
}

// IsRemoteURL 判断负载是否是 http(s) 引用而不是内联数据。
func IsRemoteURL(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://")
}
