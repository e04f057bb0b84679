package lock

import (
	"sync"
)

// KeyedMutex 进程内按键互斥。单实例部署里串行化同一账户的
// 状态变更；多实例部署再叠加分布式锁。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex 创建按键互斥
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock 锁住指定键
func (k *KeyedMutex) Lock(key string) {
	k.get(key).Lock()
}

// Unlock 解锁指定键
func (k *KeyedMutex) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
