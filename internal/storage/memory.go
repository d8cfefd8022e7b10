package storage

import (
	"context"
	"sync"
)

// Memory 內存存儲實現（V1 架構）
//
// 使用場景：
//   - 開發環境快速測試
//   - 單元測試（隔離外部依賴）
//   - 最小部署（單房間、不需要重啟保留計數）
//
// 系統設計權衡：
//
//	✅ 優點：
//	   - 零延遲（無網絡開銷）
//	   - 零依賴（不需要資料庫）
//
//	❌ 缺點：
//	   - 不持久化（重啟丟失）
//	   - 無法跨進程共享
//
// 並發安全：
//   - 所有操作在互斥鎖內完成（包括遞增，保證原子性）
//   - 返回副本而非內部指針（防止調用者繞過鎖修改 Count）
type Memory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemory 創建內存存儲實例
func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]*User),
	}
}

// Get 獲取單個用戶記錄
func (m *Memory) Get(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}

	u := *user
	return &u, nil
}

// List 列出所有用戶記錄
func (m *Memory) List(ctx context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, *u)
	}
	return users, nil
}

// Create 創建用戶記錄
func (m *Memory) Create(ctx context.Context, user User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.ID]; exists {
		return nil, ErrExists
	}

	u := user
	m.users[user.ID] = &u

	out := u
	return &out, nil
}

// IncrementCount 原子遞增計數
//
// 遞增在寫鎖內完成，與其他操作互斥，不會丟失更新。
func (m *Memory) IncrementCount(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}

	user.Count++

	u := *user
	return &u, nil
}

// SetName 更新顯示名稱
func (m *Memory) SetName(ctx context.Context, id, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}

	user.Name = name

	u := *user
	return &u, nil
}

// Remove 刪除用戶記錄
func (m *Memory) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.users, id)
	return nil
}

// Close 釋放資源（內存實現無資源可釋放）
func (m *Memory) Close() error {
	return nil
}
