package service

import "errors"

// 业务层通用错误，handler 依据错误类型映射到合适的 HTTP 状态码。
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("data not found")
	ErrAlreadyExists      = errors.New("data already exists")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrCapacityExceeded   = errors.New("room capacity exceeded")
)
