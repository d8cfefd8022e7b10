package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres 存儲實現（V3 架構）
//
// 表結構見 internal/migrations/migrations/0001_create_counter_users.up.sql：
//
//	counter_users (id TEXT PRIMARY KEY, name TEXT NOT NULL,
//	               count BIGINT NOT NULL DEFAULT 0 CHECK (count >= 0))
//
// 系統設計考量：
//
//  1. 原子遞增：
//     UPDATE counter_users SET count = count + 1 WHERE id = $1 RETURNING ...
//     遞增在資料庫端一條語句完成（行鎖保證），
//     兩個交錯的 increment 處理絕不會互相覆蓋。
//
//  2. 為什麼 pgx 而非 database/sql？
//     - 連接池（pgxpool）內建，高併發下表現更穩定
//     - 原生 PostgreSQL 協議，不經過 driver 抽象層
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 存儲實例
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Get 獲取單個用戶記錄
func (p *Postgres) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, count FROM counter_users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres get user: %w", err)
	}
	return &u, nil
}

// List 列出所有用戶記錄
func (p *Postgres) List(ctx context.Context) ([]User, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, count FROM counter_users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Count); err != nil {
			return nil, fmt.Errorf("postgres scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres iterate users: %w", err)
	}
	return users, nil
}

// Create 創建用戶記錄
func (p *Postgres) Create(ctx context.Context, user User) (*User, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO counter_users (id, name, count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Name, user.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres create user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrExists
	}

	u := user
	return &u, nil
}

// IncrementCount 原子遞增計數
func (p *Postgres) IncrementCount(ctx context.Context, id string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`UPDATE counter_users SET count = count + 1
		 WHERE id = $1
		 RETURNING id, name, count`,
		id,
	).Scan(&u.ID, &u.Name, &u.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres increment: %w", err)
	}
	return &u, nil
}

// SetName 更新顯示名稱
func (p *Postgres) SetName(ctx context.Context, id, name string) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`UPDATE counter_users SET name = $2
		 WHERE id = $1
		 RETURNING id, name, count`,
		id, name,
	).Scan(&u.ID, &u.Name, &u.Count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("postgres set name: %w", err)
	}
	return &u, nil
}

// Remove 刪除用戶記錄
func (p *Postgres) Remove(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM counter_users WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres remove user: %w", err)
	}
	return nil
}

// Close 關閉連接池
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
