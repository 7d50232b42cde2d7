package repository

import "errors"

// ErrBatchNotFound 批次不在离线队列中（已确认或从未保存）
var ErrBatchNotFound = errors.New("batch not found")
