package subscription

import "sync"

// Session 一条账户级在线会话，由仓位流活动登记。
// Close 只执行一次，回调负责切断该账户的实时链路。
type Session struct {
	accountID string
	closeFn   func() error

	once sync.Once
	err  error
}

// NewSession 创建会话
func NewSession(accountID string, closeFn func() error) *Session {
	return &Session{accountID: accountID, closeFn: closeFn}
}

// AccountID 会话归属账户
func (s *Session) AccountID() string {
	return s.accountID
}

// Close 关闭会话。重复调用返回首次结果。
func (s *Session) Close() error {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}
