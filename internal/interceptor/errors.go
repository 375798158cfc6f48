package interceptor

import "errors"

var (
	// ErrFetch 无法获取响应体，交换将原样放行
	ErrFetch = errors.New("fetch body failed")
	// ErrDoubleResume 同一句柄被重复放行，仅影响该交换
	ErrDoubleResume = errors.New("handle already resumed")
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("session closed")
)
