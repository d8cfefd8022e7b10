package internal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-counter/internal/storage"
)

// 系統設計問題：
//   如何讓多個客戶端同時遞增各自的計數、改名，並實時看到一致的名冊？
//
// 核心挑戰：
//   1. 身份分配：連接建立時分配或恢復穩定的用戶 ID
//   2. 廣播順序：發起者必須先看到自己的確認，再看到名冊快照
//   3. 活性檢測：半開連接必須被發現並從名冊移除
//   4. 掛起安全：存儲呼叫可能異步，期間斷開的連接不能收到殘留消息
//
// 設計方案：
//   ✅ 存儲層原子遞增 - 交錯的 increment 處理不丟失更新
//   ✅ 每連接順序處理 - readPump 單 goroutine 逐條分發
//   ✅ 單接收者 FIFO channel - 確認先入隊、名冊後入隊，順序天然成立
//   ✅ 心跳標記-檢查 - 一個房間級 ticker 統一探測所有連接

// IdentityPolicy 身份分配策略
//
// 兩種策略擇一配置，行為差異：
//   - 重連後計數是否保留（client-claimed 保留，server-assigned 歸零）
//   - 斷開時用戶記錄是否刪除（server-assigned 刪除）
type IdentityPolicy string

const (
	// PolicyServerAssigned 服務端分配：連接即生成全新隨機 ID，計數歸零
	PolicyServerAssigned IdentityPolicy = "server"

	// PolicyClientClaimed 客戶端聲明：等待 join 消息攜帶 ID，
	// 已存在的記錄被復用（保留計數與名稱，支持重連延續）
	PolicyClientClaimed IdentityPolicy = "client"
)

// idAlphabet 用戶 ID 字符表（64 個符號，8 字符下碰撞概率可忽略）
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// idLength 用戶 ID 長度
const idLength = 8

// Store 房間協調器所需的身份存儲操作
//
// 與 internal/storage.Store 的讀寫面一致；在此以接口聲明，
// 協調器不關心後端是內存、Redis 還是 PostgreSQL。
type Store interface {
	Get(ctx context.Context, id string) (*storage.User, error)
	List(ctx context.Context) ([]storage.User, error)
	Create(ctx context.Context, user storage.User) (*storage.User, error)
	IncrementCount(ctx context.Context, id string) (*storage.User, error)
	SetName(ctx context.Context, id, name string) (*storage.User, error)
	Remove(ctx context.Context, id string) error
}

// RoomOptions 房間配置
type RoomOptions struct {
	// IdentityPolicy 身份分配策略（預設 server-assigned）
	IdentityPolicy IdentityPolicy

	// HeartbeatInterval 心跳探測週期（預設 30 秒）
	HeartbeatInterval time.Duration

	// SendBuffer 每連接出站緩衝大小（預設 256）
	SendBuffer int
}

// withDefaults 填充零值欄位
func (o RoomOptions) withDefaults() RoomOptions {
	if o.IdentityPolicy == "" {
		o.IdentityPolicy = PolicyServerAssigned
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Room 房間協調器
//
// 單一共享作用域：所有連接、所有用戶記錄、一個心跳監測器。
// 註冊表與存儲都是協調器實例擁有的顯式狀態（非套件級全局變量），
// 便於多房間擴展與測試隔離。
//
// 並發模型：
//
//  1. 每連接的入站消息由其 readPump 順序分發，
//     同一連接的處理器絕不重疊（背靠背兩次 increment 最終必為 +2）。
//
//  2. 存儲呼叫不持有任何鎖。丟失更新由存儲層的原子遞增原語排除，
//     而非依賴「讀取-修改-寫回」期間無人插隊。
//
//  3. 存儲呼叫返回後（掛起點之後）必須複查會話仍然註冊，
//     才能發送確認或觸發廣播——連接可能在等待期間已斷開。
type Room struct {
	store    Store
	registry *Registry
	fanout   *Fanout
	opts     RoomOptions
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRoom 創建房間協調器並啟動心跳監測器
func NewRoom(store Store, opts RoomOptions, logger *slog.Logger) *Room {
	r := &Room{
		store:    store,
		registry: NewRegistry(),
		opts:     opts.withDefaults(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	r.fanout = NewFanout(r.registry, logger)

	r.wg.Add(1)
	go r.heartbeatLoop()

	return r
}

// Policy 當前身份分配策略
func (r *Room) Policy() IdentityPolicy {
	return r.opts.IdentityPolicy
}

// SendBuffer 每連接出站緩衝大小（傳輸層建立會話時使用）
func (r *Room) SendBuffer() int {
	return r.opts.SendBuffer
}

// HeartbeatInterval 心跳探測週期（傳輸層據此推導讀取期限）
func (r *Room) HeartbeatInterval() time.Duration {
	return r.opts.HeartbeatInterval
}

// Connect 完成身份分配並進入 ACTIVE 狀態
//
// claimedID 僅在 client-claimed 策略下使用（來自 join 消息）；
// server-assigned 策略忽略它並生成全新 ID。
//
// 初始消息序列（對新客戶端）：
//
//	user_joined → user_list → counter_update（當前計數，新建為 0）
//
// 隨後向其他連接廣播 user_joined 與 user_list。
// 三條直達消息在會話註冊之前入隊：註冊後會話才對併發處理器的
// 廣播可見，加上單接收者 FIFO，客戶端必然先得知自己的身份，
// 再收到任何名冊或計數廣播。
func (r *Room) Connect(ctx context.Context, claimedID string, closeFn func()) (*Session, error) {
	user, err := r.resolveIdentity(ctx, claimedID)
	if err != nil {
		return nil, err
	}

	sess := NewSession(user.ID, r.opts.SendBuffer, closeFn)

	users, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("讀取名冊失敗", "error", err)
		users = []storage.User{*user}
	}
	if r.opts.IdentityPolicy == PolicyClientClaimed {
		// 會話尚未註冊，連接中的用戶需手動納入自己的名冊
		users = r.filterLive(users)
		if !containsUser(users, user.ID) {
			users = append(users, *user)
		}
	}

	r.fanout.SendTo(sess, userJoined(user.ID, user.Name))
	r.fanout.SendTo(sess, userList(users))
	r.fanout.SendTo(sess, counterUpdate(user.ID, user.Count))

	// 同一用戶 ID 的舊連接被替換關閉（重複分頁、殘留半開連接）
	if old := r.registry.Register(sess); old != nil {
		r.logger.Info("替換同一用戶的舊連接", "user_id", user.ID)
		old.Terminate()
	}

	r.fanout.Send(userJoined(user.ID, user.Name), sess)
	r.fanout.Send(userList(users), sess)

	r.logger.Info("用戶已加入",
		"user_id", user.ID,
		"name", user.Name,
		"count", user.Count,
		"connections", r.registry.Len())

	return sess, nil
}

// resolveIdentity 按策略分配或恢復身份
func (r *Room) resolveIdentity(ctx context.Context, claimedID string) (*storage.User, error) {
	if r.opts.IdentityPolicy == PolicyClientClaimed && claimedID != "" {
		// 復用已存在的記錄（重連延續：計數與名稱保留）
		user, err := r.store.Get(ctx, claimedID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resolve identity: %w", err)
		}
		return r.createUser(ctx, claimedID)
	}

	// server-assigned：全新隨機 ID，碰撞時重試
	for attempt := 0; attempt < 3; attempt++ {
		id, err := generateUserID()
		if err != nil {
			return nil, fmt.Errorf("generate user id: %w", err)
		}
		user, err := r.createUser(ctx, id)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return nil, err
		}
	}
	return nil, errors.New("exhausted id generation attempts")
}

// createUser 創建計數為 0 的新記錄
func (r *Room) createUser(ctx context.Context, id string) (*storage.User, error) {
	user, err := r.store.Create(ctx, storage.User{
		ID:    id,
		Name:  defaultName(id),
		Count: 0,
	})
	if err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, err
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Disconnect 連接關閉路徑（客戶端斷開或心跳強制終止）
//
// server-assigned 策略刪除用戶記錄；client-claimed 策略保留記錄
// 以支持重連，只移除會話。兩者都向餘下連接廣播一次名冊。
func (r *Room) Disconnect(ctx context.Context, sess *Session) {
	if !r.registry.Unregister(sess) {
		// 已被更新的會話替換，關閉事件遲到
		return
	}
	sess.Terminate()

	if r.opts.IdentityPolicy == PolicyServerAssigned {
		if err := r.store.Remove(ctx, sess.UserID); err != nil {
			r.logger.Error("刪除用戶記錄失敗", "user_id", sess.UserID, "error", err)
		}
	}

	users, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("讀取名冊失敗", "error", err)
		return
	}

	// client-claimed 策略下記錄仍在存儲中，但名冊只包含在線用戶
	if r.opts.IdentityPolicy == PolicyClientClaimed {
		users = r.filterLive(users)
	}

	r.fanout.Send(userList(users), nil)

	r.logger.Info("用戶已斷開",
		"user_id", sess.UserID,
		"connections", r.registry.Len())
}

// containsUser 名冊是否已含指定用戶
func containsUser(users []storage.User, id string) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

// filterLive 保留有活躍會話的用戶
func (r *Room) filterLive(users []storage.User) []storage.User {
	live := make([]storage.User, 0, len(users))
	for _, u := range users {
		if r.registry.Get(u.ID) != nil {
			live = append(live, u)
		}
	}
	return live
}

// HandleMessage 分發一條已解析的客戶端消息（ACTIVE 狀態）
//
// 協議狀態機的 ACTIVE 臂。join 在此狀態是協議錯誤：記錄並丟棄，
// 連接保持開啟。
func (r *Room) HandleMessage(ctx context.Context, sess *Session, msg *Message) {
	switch msg.Type {
	case TypeIncrement:
		r.handleIncrement(ctx, sess)
	case TypeChangeName:
		r.handleChangeName(ctx, sess, msg.Name)
	case TypePing:
		r.handlePing(sess, msg.Timestamp)
	case TypeJoin:
		r.logger.Warn("連接已加入後收到 join，丟棄", "user_id", sess.UserID)
	default:
		// DecodeMessage 已擋下未知類型，此處不可達
	}
}

// handleIncrement 處理遞增請求
//
// 消息模式（與 change_name 相同的三段式）：
//  1. 直達確認：counter_update 給發起者（權威新值）
//  2. 名冊廣播：user_list 給所有連接
//  3. 增量通知：counter_update 給其他連接
//
// 順序要求：確認必須不晚於名冊到達發起者——確認先入隊，
// 單接收者 FIFO 保證客戶端不會短暫看到自己的計數回退。
func (r *Room) handleIncrement(ctx context.Context, sess *Session) {
	user, err := r.store.IncrementCount(ctx, sess.UserID)
	if err != nil {
		// 存儲錯誤對客戶端靜默（無否定應答協議），重試屬於存儲層
		r.logger.Error("遞增計數失敗", "user_id", sess.UserID, "error", err)
		return
	}

	// 掛起點之後：連接可能已在等待存儲期間斷開
	if !r.registry.Contains(sess) {
		return
	}

	r.fanout.SendTo(sess, counterUpdate(user.ID, user.Count))

	users, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("讀取名冊失敗", "error", err)
		return
	}
	if r.opts.IdentityPolicy == PolicyClientClaimed {
		users = r.filterLive(users)
	}
	r.fanout.Send(userList(users), nil)
	r.fanout.Send(counterUpdate(user.ID, user.Count), sess)
}

// handleChangeName 處理改名請求
//
// 名稱只要求非空（協議層已驗證）；長度約定由客戶端自律。
func (r *Room) handleChangeName(ctx context.Context, sess *Session, name string) {
	user, err := r.store.SetName(ctx, sess.UserID, name)
	if err != nil {
		r.logger.Error("更新名稱失敗", "user_id", sess.UserID, "error", err)
		return
	}

	if !r.registry.Contains(sess) {
		return
	}

	r.fanout.SendTo(sess, nameChange(user.ID, user.Name))

	users, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("讀取名冊失敗", "error", err)
		return
	}
	if r.opts.IdentityPolicy == PolicyClientClaimed {
		users = r.filterLive(users)
	}
	r.fanout.Send(userList(users), nil)
	r.fanout.Send(nameChange(user.ID, user.Name), sess)
}

// handlePing 處理應用層 ping
//
// 單發 pong 回同一連接（回顯客戶端時間戳，供延遲計算），
// 絕不廣播。無其他狀態變更——活性旗標只由傳輸層 pong 處理器設置。
func (r *Room) handlePing(sess *Session, timestamp int64) {
	sess.RecordPing()
	r.fanout.SendTo(sess, Message{Type: TypePong, Timestamp: timestamp})
}

// heartbeatLoop 心跳監測器
//
// 單一房間級 ticker。每個 tick 對每個活躍連接：
//   - 活性旗標為 false（上個週期未收到 pong）→ 強制終止，
//     走正常斷開路徑（名冊廣播由傳輸層關閉回調觸發）
//   - 否則清除旗標並發出傳輸層 ping 探測
//
// 回收策略（已明確選定）：標記-後-檢查，一次漏探測即在下個 tick
// 回收；從最後一次 pong 算起，最壞檢測延遲為兩個週期。
func (r *Room) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.probeAll()
		case <-r.stopCh:
			return
		}
	}
}

// probeAll 執行一輪活性探測
func (r *Room) probeAll() {
	for _, sess := range r.registry.Snapshot() {
		if !sess.ProbeAlive() {
			r.logger.Warn("連接未回應活性探測，強制終止",
				"user_id", sess.UserID,
				"last_ping", sess.LastPing())
			sess.Terminate()
			continue
		}
		sess.RequestPing()
	}
}

// Probe 執行一輪活性探測（公開方法供測試使用）
func (r *Room) Probe() {
	r.probeAll()
}

// Stats 房間統計資訊
func (r *Room) Stats(ctx context.Context) (map[string]any, error) {
	users, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("room stats: %w", err)
	}

	var total int64
	for _, u := range users {
		total += u.Count
	}

	return map[string]any{
		"connections": r.registry.Len(),
		"users":       len(users),
		"total_count": total,
		"policy":      string(r.opts.IdentityPolicy),
	}, nil
}

// Roster 當前名冊快照（HTTP API 使用）
func (r *Room) Roster(ctx context.Context) ([]storage.User, error) {
	users, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("room roster: %w", err)
	}
	if r.opts.IdentityPolicy == PolicyClientClaimed {
		users = r.filterLive(users)
	}
	return users, nil
}

// Stop 停止房間協調器
//
// 停止心跳監測器並終止所有連接。傳輸層的關閉回調會觸發各自的
// 斷開路徑。
func (r *Room) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	for _, sess := range r.registry.Snapshot() {
		sess.Terminate()
	}

	r.logger.Info("房間協調器已停止")
}

// generateUserID 生成 8 字符隨機用戶 ID
func generateUserID() (string, error) {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, idLength)
	for i, v := range b {
		// 64 整除 256，取模無偏差
		out[i] = idAlphabet[int(v)%len(idAlphabet)]
	}
	return string(out), nil
}

// defaultName 首次加入的預設顯示名稱
func defaultName(id string) string {
	short := id
	if len(short) > 4 {
		short = short[:4]
	}
	return "User " + short
}
