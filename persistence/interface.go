// persistence/interface.go
package persistence

import (
	"context"
	"fmt"
)

// Store 键值存储接口, one durable namespace per device.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = fmt.Errorf("record not found")
)

const savedGamesTable = "saved_games"
