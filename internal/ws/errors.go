package ws

import "errors"

// Hub 操作的可恢复错误；统一经 error 事件或否定的 join_result 报告给
// 发起连接，除鉴权失败外不会断开连接。
var (
	ErrForbidden        = errors.New("access denied")
	ErrCapacity         = errors.New("room is full")
	ErrDuplicateRequest = errors.New("request already pending")
)
