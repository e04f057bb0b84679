package subscription

import (
	"sync"

	"copymesh/logger"
)

// Conn 一条账户级连接。实现方通常是仓位流里某账户的会话。
type Conn interface {
	AccountID() string
	Close() error
}

// ConnectionManager 按账户维护在线连接。它通过依赖注入传给
// 需要断开连接的组件，不提供全局注册表。
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]Conn)}
}

// Register 登记账户连接；同账户的旧连接先关闭
func (m *ConnectionManager) Register(conn Conn) {
	m.mu.Lock()
	old, ok := m.conns[conn.AccountID()]
	m.conns[conn.AccountID()] = conn
	m.mu.Unlock()

	if ok && old != conn {
		if err := old.Close(); err != nil {
			logger.Warn("⚠️ 关闭账户 %s 旧连接失败: %v", conn.AccountID(), err)
		}
	}
}

// Remove 移除并关闭账户连接。账户不在线时为空操作。
func (m *ConnectionManager) Remove(accountID string) {
	m.mu.Lock()
	conn, ok := m.conns[accountID]
	delete(m.conns, accountID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Warn("⚠️ 关闭账户 %s 连接失败: %v", accountID, err)
	}
}

// Get 查询账户连接
func (m *ConnectionManager) Get(accountID string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[accountID]
	return conn, ok
}

// Count 在线连接数
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll 关闭全部连接
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
