// Package storage 實現身份存儲的各種後端
//
// 存儲架構演進：
//
//	V1：Memory（單機、開發測試）
//	V2：Redis（持久化快照、原子遞增）
//	V3：PostgreSQL（完整持久化、SQL 查詢能力）
//
// 系統設計重點：
//
//	計數遞增是存儲層的原子原語，而非「讀取-修改-寫回」三步。
//	協調器對存儲的任何呼叫都可能是掛起點（網絡後端），
//	若在掛起期間其他事件交錯執行，三步寫法會丟失更新。
//	各後端的原子實現：
//	  - Memory：互斥鎖內完成
//	  - Redis：HINCRBY（單線程模型天然原子）
//	  - PostgreSQL：UPDATE ... SET count = count + 1 ... RETURNING
package storage

import (
	"context"
	"errors"
)

// 哨兵錯誤
var (
	// ErrNotFound 用戶記錄不存在
	ErrNotFound = errors.New("user not found")

	// ErrExists 用戶記錄已存在
	ErrExists = errors.New("user already exists")
)

// User 用戶記錄
//
// 數據模型：
//   - ID：不透明字串識別碼（重連時保持穩定）
//   - Name：顯示名稱（可變，服務端只檢查非空）
//   - Count：非負計數（單調遞增，無遞減操作）
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Store 身份存儲接口
//
// 所有方法都接受 context（後端可能是網絡服務）。
// 實現必須滿足：
//   - IncrementCount 原子遞增並返回新值（不存在時返回 ErrNotFound）
//   - 所有更新都是針對單條記錄的操作，永不整體覆寫
type Store interface {
	// Get 獲取單個用戶記錄
	Get(ctx context.Context, id string) (*User, error)

	// List 列出所有用戶記錄
	List(ctx context.Context) ([]User, error)

	// Create 創建用戶記錄（ID 已存在時返回 ErrExists）
	Create(ctx context.Context, user User) (*User, error)

	// IncrementCount 原子遞增計數並返回更新後的記錄
	IncrementCount(ctx context.Context, id string) (*User, error)

	// SetName 更新顯示名稱並返回更新後的記錄
	SetName(ctx context.Context, id, name string) (*User, error)

	// Remove 刪除用戶記錄（不存在時視為成功）
	Remove(ctx context.Context, id string) error

	// Close 釋放後端資源
	Close() error
}
