package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis 存儲實現（V2 架構）
//
// 鍵設計：
//
//	counter:user:{id}  Hash  fields: name, count
//	counter:users      Set   所有用戶 ID（List 操作的索引）
//
// 系統設計考量：
//
//  1. 為什麼用 Hash 而非 JSON 字串？
//     - HINCRBY 對單一欄位原子遞增（Redis 單線程模型）
//     - 更新名稱不需要讀取-序列化-寫回整條記錄
//
//  2. 原子遞增（核心不變量）：
//     - 協調器的 increment 處理期間可能與其他事件交錯
//     - HINCRBY 在 Redis 端一步完成，不存在丟失更新窗口
//     - 用 Lua script 同時檢查記錄存在性（避免對已刪除用戶憑空創建計數）
//
//  3. 索引一致性：
//     - Create/Remove 用 pipeline 同時維護 Hash 與 Set
//     - List 時對 Set 中已不存在的 Hash 做惰性清理略過
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// incrIfExists 原子遞增（記錄存在時），返回新計數或 -1
var incrIfExists = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	return redis.call('HINCRBY', KEYS[1], 'count', 1)
`)

// NewRedis 創建 Redis 存儲實例
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: "counter",
	}
}

// userKey 單個用戶的 Hash 鍵
func (r *Redis) userKey(id string) string {
	return fmt.Sprintf("%s:user:%s", r.keyPrefix, id)
}

// indexKey 用戶 ID 索引的 Set 鍵
func (r *Redis) indexKey() string {
	return fmt.Sprintf("%s:users", r.keyPrefix)
}

// Get 獲取單個用戶記錄
func (r *Redis) Get(ctx context.Context, id string) (*User, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return r.parseUser(id, fields), nil
}

// List 列出所有用戶記錄
func (r *Redis) List(ctx context.Context) ([]User, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list ids: %w", err)
	}

	if len(ids) == 0 {
		return []User{}, nil
	}

	// pipeline 批量獲取（避免 N 次往返）
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.userKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis list users: %w", err)
	}

	users := make([]User, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			// 索引滯後於已刪除的 Hash，略過
			continue
		}
		users = append(users, *r.parseUser(ids[i], fields))
	}
	return users, nil
}

// Create 創建用戶記錄
func (r *Redis) Create(ctx context.Context, user User) (*User, error) {
	exists, err := r.client.Exists(ctx, r.userKey(user.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis check exists: %w", err)
	}
	if exists > 0 {
		return nil, ErrExists
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.userKey(user.ID), "name", user.Name, "count", user.Count)
	pipe.SAdd(ctx, r.indexKey(), user.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis create user: %w", err)
	}

	u := user
	return &u, nil
}

// IncrementCount 原子遞增計數
func (r *Redis) IncrementCount(ctx context.Context, id string) (*User, error) {
	result, err := incrIfExists.Run(ctx, r.client, []string{r.userKey(id)}).Int64()
	if err != nil {
		return nil, fmt.Errorf("redis increment: %w", err)
	}
	if result < 0 {
		return nil, ErrNotFound
	}

	name, err := r.client.HGet(ctx, r.userKey(id), "name").Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis read name: %w", err)
	}

	return &User{ID: id, Name: name, Count: result}, nil
}

// SetName 更新顯示名稱
func (r *Redis) SetName(ctx context.Context, id, name string) (*User, error) {
	exists, err := r.client.Exists(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis check exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	if err := r.client.HSet(ctx, r.userKey(id), "name", name).Err(); err != nil {
		return nil, fmt.Errorf("redis set name: %w", err)
	}

	return r.Get(ctx, id)
}

// Remove 刪除用戶記錄
func (r *Redis) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.userKey(id))
	pipe.SRem(ctx, r.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove user: %w", err)
	}
	return nil
}

// Close 關閉 Redis 客戶端
func (r *Redis) Close() error {
	return r.client.Close()
}

// parseUser 從 Hash 欄位還原用戶記錄
func (r *Redis) parseUser(id string, fields map[string]string) *User {
	count, _ := strconv.ParseInt(fields["count"], 10, 64)
	return &User{
		ID:    id,
		Name:  fields["name"],
		Count: count,
	}
}
