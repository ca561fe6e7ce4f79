package group

import "errors"

// 群组错误定义

var (
	ErrGroupNotFound = errors.New("GROUP_NOT_FOUND")
	ErrInvalidName   = errors.New("INVALID_GROUP_NAME")
)
