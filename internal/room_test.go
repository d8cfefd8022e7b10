package internal_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-counter/internal"
	"github.com/koopa0/system-design/14-realtime-counter/internal/storage"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// newTestRoom 創建隔離的房間協調器（心跳間隔拉長，測試用 Probe 手動驅動）
func newTestRoom(t *testing.T, policy internal.IdentityPolicy) (*internal.Room, *storage.Memory) {
	t.Helper()

	store := storage.NewMemory()
	room := internal.NewRoom(store, internal.RoomOptions{
		IdentityPolicy:    policy,
		HeartbeatInterval: time.Hour,
		SendBuffer:        32,
	}, testLogger())

	t.Cleanup(room.Stop)
	return room, store
}

// recvMsg 讀取一條出站消息並解析
func recvMsg(t *testing.T, sess *internal.Session) internal.Message {
	t.Helper()

	select {
	case data := <-sess.Outbound():
		var msg internal.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return internal.Message{}
	}
}

// drain 清空會話的出站緩衝
func drain(sess *internal.Session) {
	for {
		select {
		case <-sess.Outbound():
		default:
			return
		}
	}
}

// roster 取出 user_list 消息攜帶的名冊
func roster(t *testing.T, msg internal.Message) []storage.User {
	t.Helper()

	require.NotNil(t, msg.Users, "user_list message must carry a users field")
	return *msg.Users
}

// assertNoMessage 斷言沒有待發消息
func assertNoMessage(t *testing.T, sess *internal.Session) {
	t.Helper()

	select {
	case data := <-sess.Outbound():
		t.Fatalf("unexpected outbound message: %s", data)
	default:
	}
}

// TestRoom_ConnectServerAssigned 測試服務端分配策略的連接流程
func TestRoom_ConnectServerAssigned(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)

	// 初始序列：user_joined → user_list → counter_update
	joined := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeUserJoined, joined.Type)
	assert.Len(t, joined.UserID, 8)
	assert.Equal(t, "User "+joined.UserID[:4], joined.Name)

	list := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeUserList, list.Type)
	users := roster(t, list)
	require.Len(t, users, 1)
	assert.Equal(t, joined.UserID, users[0].ID)

	update := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeCounterUpdate, update.Type)
	assert.Equal(t, joined.UserID, update.UserID)
	require.NotNil(t, update.Count)
	assert.Equal(t, int64(0), *update.Count)

	// 第二個客戶端加入：既有客戶端收到 user_joined 與完整名冊
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessB)

	joinedB := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeUserJoined, joinedB.Type)
	assert.Equal(t, sessB.UserID, joinedB.UserID)

	listB := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeUserList, listB.Type)
	assert.Len(t, roster(t, listB), 2)

	// 兩個連接的 ID 必然不同
	assert.NotEqual(t, sessA.UserID, sessB.UserID)
}

// TestRoom_Increment 測試遞增的確認順序與廣播
func TestRoom_Increment(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})

	// 發起者：確認必須先於名冊到達
	confirm := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeCounterUpdate, confirm.Type)
	assert.Equal(t, sessA.UserID, confirm.UserID)
	require.NotNil(t, confirm.Count)
	assert.Equal(t, int64(1), *confirm.Count)

	list := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeUserList, list.Type)

	// 其他連接：名冊與增量通知
	listB := recvMsg(t, sessB)
	assert.Equal(t, internal.TypeUserList, listB.Type)

	updateB := recvMsg(t, sessB)
	assert.Equal(t, internal.TypeCounterUpdate, updateB.Type)
	assert.Equal(t, sessA.UserID, updateB.UserID)

	// 背靠背兩次遞增：最終計數必為 +2
	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})
	confirm2 := recvMsg(t, sessA)
	require.NotNil(t, confirm2.Count)
	assert.Equal(t, int64(2), *confirm2.Count)
}

// TestRoom_ChangeName 測試改名的確認與名冊更新
func TestRoom_ChangeName(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	room.HandleMessage(ctx, sessA, &internal.Message{
		Type: internal.TypeChangeName,
		Name: "Alice",
	})

	confirm := recvMsg(t, sessA)
	assert.Equal(t, internal.TypeNameChange, confirm.Type)
	assert.Equal(t, sessA.UserID, confirm.UserID)
	assert.Equal(t, "Alice", confirm.Name)

	list := recvMsg(t, sessA)
	require.Equal(t, internal.TypeUserList, list.Type)
	names := map[string]string{}
	for _, u := range roster(t, list) {
		names[u.ID] = u.Name
	}
	assert.Equal(t, "Alice", names[sessA.UserID])

	// 其他連接同樣得知改名
	listB := recvMsg(t, sessB)
	assert.Equal(t, internal.TypeUserList, listB.Type)
	changeB := recvMsg(t, sessB)
	assert.Equal(t, internal.TypeNameChange, changeB.Type)
	assert.Equal(t, "Alice", changeB.Name)
}

// TestRoom_Ping 測試應用層 ping 的單發回應
func TestRoom_Ping(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	room.HandleMessage(ctx, sessA, &internal.Message{
		Type:      internal.TypePing,
		Timestamp: 1735689600000,
	})

	pong := recvMsg(t, sessA)
	assert.Equal(t, internal.TypePong, pong.Type)
	assert.Equal(t, int64(1735689600000), pong.Timestamp)

	// pong 絕不廣播
	assertNoMessage(t, sessB)
}

// TestRoom_JoinWhileActive 測試已加入後的 join 被丟棄
func TestRoom_JoinWhileActive(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)

	room.HandleMessage(ctx, sessA, &internal.Message{
		Type:   internal.TypeJoin,
		UserID: "other999",
	})

	// 無狀態變更，無消息
	assertNoMessage(t, sessA)

	stats, err := room.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["connections"])
}

// TestRoom_DisconnectServerAssigned 測試斷開後記錄刪除與名冊收斂
func TestRoom_DisconnectServerAssigned(t *testing.T) {
	room, store := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	room.Disconnect(ctx, sessA)

	// server-assigned：記錄隨連接刪除
	_, err = store.Get(ctx, sessA.UserID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 餘下連接收到收斂後的名冊
	list := recvMsg(t, sessB)
	require.Equal(t, internal.TypeUserList, list.Type)
	remaining := roster(t, list)
	require.Len(t, remaining, 1)
	assert.Equal(t, sessB.UserID, remaining[0].ID)

	// 遲到的重複斷開是冪等的
	room.Disconnect(ctx, sessA)
	assertNoMessage(t, sessB)
}

// TestRoom_ClientClaimedReconnect 測試客戶端聲明策略的重連延續
func TestRoom_ClientClaimedReconnect(t *testing.T) {
	room, store := newTestRoom(t, internal.PolicyClientClaimed)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "alice123", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice123", sessA.UserID)
	drain(sessA)

	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})
	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})
	drain(sessA)

	room.Disconnect(ctx, sessA)

	// client-claimed：記錄保留以支持重連
	user, err := store.Get(ctx, "alice123")
	require.NoError(t, err)
	assert.Equal(t, int64(2), user.Count)

	// 但離線用戶不出現在名冊中
	roster, err := room.Roster(ctx)
	require.NoError(t, err)
	assert.Empty(t, roster)

	// 重連恢復計數
	sessA2, err := room.Connect(ctx, "alice123", nil)
	require.NoError(t, err)

	joined := recvMsg(t, sessA2)
	assert.Equal(t, internal.TypeUserJoined, joined.Type)
	recvMsg(t, sessA2) // user_list

	update := recvMsg(t, sessA2)
	require.Equal(t, internal.TypeCounterUpdate, update.Type)
	require.NotNil(t, update.Count)
	assert.Equal(t, int64(2), *update.Count)
}

// TestRoom_DuplicateClaim 測試同一身份的新連接取代舊連接
func TestRoom_DuplicateClaim(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyClientClaimed)
	ctx := context.Background()

	var oldClosed atomic.Bool
	sessOld, err := room.Connect(ctx, "alice123", func() {
		oldClosed.Store(true)
	})
	require.NoError(t, err)
	drain(sessOld)

	sessNew, err := room.Connect(ctx, "alice123", nil)
	require.NoError(t, err)

	assert.True(t, oldClosed.Load(), "舊連接必須被強制關閉")
	assert.Equal(t, "alice123", sessNew.UserID)

	stats, err := room.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["connections"])
}

// TestRoom_HeartbeatReap 測試心跳監測器回收無回應連接
func TestRoom_HeartbeatReap(t *testing.T) {
	room, store := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	// 模擬傳輸層：強制關閉觸發讀取失敗，異步走正常斷開路徑
	disconnected := make(chan struct{})
	var sessA *internal.Session
	sessA, err := room.Connect(ctx, "", func() {
		go func() {
			room.Disconnect(ctx, sessA)
			close(disconnected)
		}()
	})
	require.NoError(t, err)
	drain(sessA)

	// 第一輪探測：握手後旗標為真，清除並發出 ping 請求
	room.Probe()
	select {
	case <-sessA.PingRequests():
	default:
		t.Fatal("expected a ping request after first probe")
	}

	// 客戶端回應 pong 則繼續存活
	sessA.MarkAlive()
	room.Probe()
	stats, err := room.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats["connections"])

	// 一個週期內沒有 pong：下一輪探測回收
	room.Probe()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reaped connection to disconnect")
	}
	stats, err = room.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["connections"])

	_, err = store.Get(ctx, sessA.UserID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// hookStore 在存儲呼叫前注入回調，模擬呼叫掛起期間的併發事件
type hookStore struct {
	internal.Store
	beforeIncrement func()
	beforeList      func()
}

func (h *hookStore) IncrementCount(ctx context.Context, id string) (*storage.User, error) {
	if h.beforeIncrement != nil {
		h.beforeIncrement()
	}
	return h.Store.IncrementCount(ctx, id)
}

func (h *hookStore) List(ctx context.Context) ([]storage.User, error) {
	if h.beforeList != nil {
		h.beforeList()
	}
	return h.Store.List(ctx)
}

// TestRoom_DisconnectDuringIncrement 測試存儲掛起期間斷開的連接不收殘留消息
func TestRoom_DisconnectDuringIncrement(t *testing.T) {
	store := &hookStore{Store: storage.NewMemory()}
	room := internal.NewRoom(store, internal.RoomOptions{
		IdentityPolicy:    internal.PolicyClientClaimed,
		HeartbeatInterval: time.Hour,
		SendBuffer:        32,
	}, testLogger())
	t.Cleanup(room.Stop)

	ctx := context.Background()

	sessA, err := room.Connect(ctx, "alice123", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "bob45678", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	// 存儲呼叫期間連接斷開
	store.beforeIncrement = func() {
		room.Disconnect(ctx, sessA)
	}

	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})

	// 斷開的連接不得收到確認或廣播
	assertNoMessage(t, sessA)

	// 計數本身已落地（client-claimed 記錄保留）
	user, err := store.Get(ctx, "alice123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.Count)
}

// TestRoom_ConnectDuringBroadcast 測試連接建立期間的併發廣播不先於身份確認
func TestRoom_ConnectDuringBroadcast(t *testing.T) {
	store := &hookStore{Store: storage.NewMemory()}
	room := internal.NewRoom(store, internal.RoomOptions{
		IdentityPolicy:    internal.PolicyServerAssigned,
		HeartbeatInterval: time.Hour,
		SendBuffer:        32,
	}, testLogger())
	t.Cleanup(room.Stop)

	ctx := context.Background()

	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessB)

	// 新連接讀取名冊期間，既有連接恰好完成遞增並廣播
	store.beforeList = func() {
		store.beforeList = nil
		room.HandleMessage(ctx, sessB, &internal.Message{Type: internal.TypeIncrement})
	}

	sessC, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)

	// 新連接的前三條消息必須是自己的初始序列，廣播不得插隊
	joined := recvMsg(t, sessC)
	assert.Equal(t, internal.TypeUserJoined, joined.Type)
	assert.Equal(t, sessC.UserID, joined.UserID)

	list := recvMsg(t, sessC)
	assert.Equal(t, internal.TypeUserList, list.Type)

	update := recvMsg(t, sessC)
	assert.Equal(t, internal.TypeCounterUpdate, update.Type)
	assert.Equal(t, sessC.UserID, update.UserID)

	// 名冊快照晚於廣播讀取，已含遞增後的計數
	for _, u := range roster(t, list) {
		if u.ID == sessB.UserID {
			assert.Equal(t, int64(1), u.Count)
		}
	}
}

// TestRoom_Stats 測試統計資訊
func TestRoom_Stats(t *testing.T) {
	room, _ := newTestRoom(t, internal.PolicyServerAssigned)
	ctx := context.Background()

	sessA, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	sessB, err := room.Connect(ctx, "", nil)
	require.NoError(t, err)
	drain(sessA)
	drain(sessB)

	room.HandleMessage(ctx, sessA, &internal.Message{Type: internal.TypeIncrement})
	room.HandleMessage(ctx, sessB, &internal.Message{Type: internal.TypeIncrement})
	room.HandleMessage(ctx, sessB, &internal.Message{Type: internal.TypeIncrement})

	stats, err := room.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["connections"])
	assert.Equal(t, 2, stats["users"])
	assert.Equal(t, int64(3), stats["total_count"])
	assert.Equal(t, "server", stats["policy"])
}
