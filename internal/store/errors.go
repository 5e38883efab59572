package store

import "errors"

// 存储层通用错误，调用方用 errors.Is 判定后映射到对应的事件或状态码。
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)
