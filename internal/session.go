package internal

import (
	"sync"
	"time"
)

// Session 連接會話
//
// 每個活躍連接恰好一個 Session。會話持有：
//   - 用戶 ID（連接建立後分配一次，終生不變）
//   - 出站消息通道（傳輸層 writePump 的唯一來源，保證單接收者 FIFO）
//   - 活性旗標與最後 ping 時間（心跳監測器與 pong 處理器共同維護）
//
// 系統設計考量：
//
//  1. 為什麼出站走 channel 而非直接寫 conn？
//     - gorilla/websocket 只允許一個併發寫者
//     - 心跳 ping 與業務消息來自不同 goroutine，統一匯入 writePump
//     - 緩衝 channel 異步發送，慢客戶端不阻塞廣播
//
//  2. 終止回調（closeFn）：
//     - 心跳監測器只依賴回調強制斷開，不觸碰傳輸細節
//     - 測試中可注入假傳輸驗證 reap 行為
type Session struct {
	UserID string

	send    chan []byte
	pingReq chan struct{}
	closeFn func()

	mu        sync.Mutex
	alive     bool
	lastPing  time.Time
	closeOnce sync.Once
}

// NewSession 創建會話
//
// closeFn 必須強制關閉底層傳輸（冪等調用安全）。
func NewSession(userID string, sendBuffer int, closeFn func()) *Session {
	return &Session{
		UserID:   userID,
		send:     make(chan []byte, sendBuffer),
		pingReq:  make(chan struct{}, 1),
		closeFn:  closeFn,
		alive:    true,
		lastPing: time.Now(),
	}
}

// Enqueue 非阻塞入隊出站消息
//
// 緩衝區滿（背壓）時返回 false，調用方記錄並略過——
// 慢客戶端最終會因心跳超時被回收，不拖累其他接收者。
func (s *Session) Enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Outbound 出站消息通道（傳輸層 writePump 消費）
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// RequestPing 請求傳輸層發送一個活性探測
func (s *Session) RequestPing() bool {
	select {
	case s.pingReq <- struct{}{}:
		return true
	default:
		// 上一個探測還在隊列中，無需重複
		return false
	}
}

// PingRequests 探測請求通道（傳輸層 writePump 消費）
func (s *Session) PingRequests() <-chan struct{} {
	return s.pingReq
}

// MarkAlive 標記連接存活（pong 處理器調用）
func (s *Session) MarkAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = true
	s.lastPing = time.Now()
}

// ProbeAlive 讀取並清除活性旗標（心跳監測器每個 tick 調用一次）
//
// 返回清除前的值：false 表示自上次探測以來未收到 pong。
func (s *Session) ProbeAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.alive
	s.alive = false
	return was
}

// RecordPing 記錄應用層 ping 的到達時間（延遲監控用，不動活性旗標）
func (s *Session) RecordPing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPing = time.Now()
}

// LastPing 最後一次收到活性回應的時間（延遲監控用）
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPing
}

// Terminate 強制終止底層傳輸（冪等）
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// Registry 會話註冊表
//
// 活躍連接 → 用戶 ID 的內存映射。不變量：
//   - 每個活躍連接恰好一個條目
//   - 同一用戶 ID 至多一個活躍會話（重複聲明時舊會話被替換關閉）
//
// 只有協調器的連接/關閉路徑和心跳監測器的回收動作會修改註冊表。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // userID -> Session
}

// NewRegistry 創建會話註冊表
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Register 註冊會話，返回被替換的舊會話（若存在）
//
// 同一用戶 ID 的舊連接（如重複分頁、殘留的半開連接）由調用方關閉。
func (r *Registry) Register(sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.sessions[sess.UserID]
	r.sessions[sess.UserID] = sess
	return old
}

// Unregister 移除會話
//
// 身份比對防止誤刪：若該用戶 ID 已被更新的會話佔據
//（舊連接晚到的 close 事件），不做任何事並返回 false。
func (r *Registry) Unregister(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.sessions[sess.UserID]
	if !exists || current != sess {
		return false
	}
	delete(r.sessions, sess.UserID)
	return true
}

// Get 按用戶 ID 查找會話，不存在時返回 nil
func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Contains 會話是否仍然註冊（存儲掛起後的活性複查）
func (r *Registry) Contains(sess *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sess.UserID] == sess
}

// Snapshot 當前所有會話的副本（遍歷時不持鎖）
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len 活躍會話數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
