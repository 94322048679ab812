package database

import (
	"context"
	"fmt"

	c "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
)

// OpenStore 按配置创建会话存储，类型为 none 或空时返回 nil
func OpenStore(ctx context.Context, config *c.Config) (SessionStore, error) {
	switch config.SessionStore.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "mongo":
		store, err := ConnectDatabase(ctx, config.Database, config.AppName)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		store, err := OpenSQLiteStore(ctx, config.SessionStore.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown session store type %q", config.SessionStore.Type)
}

// StoreCloseCallback 退出时关闭会话存储
type StoreCloseCallback struct {
	store SessionStore
}

func NewStoreCloseCallback(store SessionStore) *StoreCloseCallback {
	return &StoreCloseCallback{store: store}
}

func (sc *StoreCloseCallback) Invoke(ctx context.Context) error {
	return sc.store.Close(ctx)
}
