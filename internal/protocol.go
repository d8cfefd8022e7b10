package internal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/koopa0/system-design/14-realtime-counter/internal/storage"
)

// 系統設計問題：
//   如何定義一個既能演進又不會悄悄出錯的 WebSocket 消息協議？
//
// 設計方案：
//   ✅ 封閉的消息類型集合 - switch 窮舉處理，未知類型為明確的 no-op
//   ✅ 單一扁平結構 - 每幀恰好一條消息，欄位按類型選用（omitempty）
//   ✅ 本地拒絕 - 格式錯誤只丟棄該消息並記錄，連接保持開啟

// MessageType 消息類型
type MessageType string

// 服務端 → 客戶端
const (
	// TypeUserJoined 分配/確認身份
	TypeUserJoined MessageType = "user_joined"

	// TypeUserList 完整名冊快照
	TypeUserList MessageType = "user_list"

	// TypeCounterUpdate 單用戶計數變更通知
	TypeCounterUpdate MessageType = "counter_update"

	// TypeNameChange 單用戶名稱變更通知
	TypeNameChange MessageType = "name_change"

	// TypePong 心跳回應（可選回顯時間戳）
	TypePong MessageType = "pong"
)

// 客戶端 → 服務端
const (
	// TypeJoin 客戶端聲明身份（僅 client-claimed 策略）
	TypeJoin MessageType = "join"

	// TypeIncrement 請求遞增計數
	TypeIncrement MessageType = "increment_counter"

	// TypeChangeName 請求改名
	TypeChangeName MessageType = "change_name"

	// TypePing 活性/延遲探測
	TypePing MessageType = "ping"
)

// 協議錯誤
var (
	// ErrUnknownType 未知消息類型（靜默忽略）
	ErrUnknownType = errors.New("unknown message type")

	// ErrEmptyName 改名請求的名稱為空
	ErrEmptyName = errors.New("name must not be empty")

	// ErrEmptyUserID join 請求未攜帶用戶 ID
	ErrEmptyUserID = errors.New("userId must not be empty")
)

// Message 線上協議消息
//
// 每幀恰好一條消息。欄位按消息類型選用：
//
//	user_joined     userId, name
//	user_list       users
//	counter_update  userId, count
//	name_change     userId, name
//	pong            timestamp（回顯 ping 攜帶的時間戳）
//	join            userId
//	change_name     name
//	ping            timestamp（可選）
type Message struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"userId,omitempty"`
	Name   string      `json:"name,omitempty"`

	// Count 指針區分「未攜帶」與合法的 0 值
	Count *int64 `json:"count,omitempty"`

	// Users 指針區分「未攜帶」與空名冊：user_list 幀即使名冊為空
	// 也必須帶上 "users":[]，其他幀則完全省略此欄位
	Users *[]storage.User `json:"users,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// DecodeMessage 解析並驗證客戶端消息
//
// 失敗語義（協議錯誤恢復策略）：
//   - JSON 格式錯誤 → error，調用方記錄並丟棄
//   - 未知 type → ErrUnknownType，調用方靜默忽略
//   - 欄位違反模式（如 change_name 空名稱）→ error，丟棄
//
// 任何情況下都不關閉連接。
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch msg.Type {
	case TypeJoin:
		if msg.UserID == "" {
			return nil, ErrEmptyUserID
		}
	case TypeChangeName:
		if msg.Name == "" {
			return nil, ErrEmptyName
		}
	case TypeIncrement, TypePing:
		// 無必填欄位
	default:
		return nil, ErrUnknownType
	}

	return &msg, nil
}

// EncodeMessage 序列化消息
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// counterUpdate 構造計數變更消息
func counterUpdate(userID string, count int64) Message {
	c := count
	return Message{Type: TypeCounterUpdate, UserID: userID, Count: &c}
}

// nameChange 構造名稱變更消息
func nameChange(userID, name string) Message {
	return Message{Type: TypeNameChange, UserID: userID, Name: name}
}

// userJoined 構造身份確認消息
func userJoined(userID, name string) Message {
	return Message{Type: TypeUserJoined, UserID: userID, Name: name}
}

// userList 構造名冊快照消息
func userList(users []storage.User) Message {
	if users == nil {
		users = []storage.User{}
	}
	return Message{Type: TypeUserList, Users: &users}
}
