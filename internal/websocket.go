package internal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何把房間協調器掛到真實的 WebSocket 傳輸上？
//
// 核心挑戰：
//   1. 併發寫入：gorilla/websocket 只允許一個併發寫者
//   2. 心跳探測：監測器的 ping 與業務消息必須經同一寫者序列化
//   3. 半開連接：讀取期限兜底，防止 goroutine 永久阻塞
//   4. 身份握手：client-claimed 策略下，join 之前的消息是協議錯誤
//
// 設計方案：
//   ✅ 每連接 readPump/writePump 兩個 goroutine（Hub 模式）
//   ✅ writePump 統一消費出站消息與 ping 請求
//   ✅ Pong 處理器設置活性旗標並延長讀取期限

const (
	// writeWait 單次寫入的期限
	writeWait = 10 * time.Second

	// maxMessageSize 入站消息大小上限
	maxMessageSize = 4096
)

// Hub WebSocket 連接入口
//
// 固定端點 GET /ws（與同主機其他升級流量路徑區隔）。
// 升級成功後建立會話並啟動讀寫 goroutine，後續生命週期
// 由房間協調器與心跳監測器接管。
type Hub struct {
	room     *Room
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// readWait 讀取期限（任何讀取或 pong 都會延長）
	readWait time.Duration
}

// NewHub 創建 WebSocket Hub
func NewHub(room *Room, logger *slog.Logger) *Hub {
	return &Hub{
		room:   room,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		// 讀取期限兜底：三個心跳週期內沒有任何入站流量
		//（包括 pong）即放棄，晚於監測器的標記-檢查回收
		readWait: 3 * room.HeartbeatInterval(),
	}
}

// ServeWS 處理 WebSocket 連接
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	// AWAITING_IDENTITY：client-claimed 策略先等 join 消息
	var claimedID string
	if hub.room.Policy() == PolicyClientClaimed {
		claimedID, err = hub.awaitJoin(conn)
		if err != nil {
			hub.logger.Warn("身份握手失敗，關閉連接", "error", err)
			conn.Close()
			return
		}
	}

	sess, err := hub.room.Connect(context.Background(), claimedID, func() {
		conn.Close()
	})
	if err != nil {
		hub.logger.Error("建立會話失敗", "error", err)
		conn.Close()
		return
	}

	wc := &wsConn{
		sess:   sess,
		conn:   conn,
		room:   hub.room,
		logger: hub.logger,
		wait:   hub.readWait,
		done:   make(chan struct{}),
	}

	go wc.writePump()
	go wc.readPump()

	hub.logger.Info("WebSocket 連接建立", "user_id", sess.UserID)
}

// awaitJoin 等待 join 消息（AWAITING_IDENTITY 狀態）
//
// 非 join 消息在此狀態是協議錯誤：記錄並丟棄，繼續等待。
// 讀取期限內沒有有效 join 則放棄連接。
func (hub *Hub) awaitJoin(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(hub.readWait)); err != nil {
		return "", err
	}
	conn.SetReadLimit(maxMessageSize)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				continue
			}
			hub.logger.Warn("身份握手階段的無效消息，丟棄", "error", err)
			continue
		}
		if msg.Type != TypeJoin {
			hub.logger.Warn("身份握手階段收到非 join 消息，丟棄", "type", msg.Type)
			continue
		}
		return msg.UserID, nil
	}
}

// wsConn 綁定到一個會話的 WebSocket 連接
type wsConn struct {
	sess   *Session
	conn   *websocket.Conn
	room   *Room
	logger *slog.Logger
	wait   time.Duration

	// done 由 readPump 退出時關閉，通知 writePump 收尾
	done chan struct{}
}

// readPump 讀取並分發客戶端消息
//
// 每連接唯一的讀者：消息逐條分發，同一連接的處理器順序執行
//（背靠背兩次 increment 不會交錯，最終計數必為 +2）。
//
// Pong 處理器是活性旗標的唯一傳輸層來源：
// 收到 pong → 設置旗標 + 延長讀取期限。
func (c *wsConn) readPump() {
	defer func() {
		c.room.Disconnect(context.Background(), c.sess)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.wait)); err != nil {
		c.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.wait)); err != nil {
			c.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.sess.MarkAlive()
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"user_id", c.sess.UserID)
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.wait)); err != nil {
			c.logger.Error("設置讀取期限失敗", "error", err)
		}

		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			// 協議錯誤本地恢復：丟棄消息，連接保持開啟
			if errors.Is(err, ErrUnknownType) {
				c.logger.Debug("收到未知消息類型，忽略", "user_id", c.sess.UserID)
				continue
			}
			c.logger.Warn("無效的客戶端消息，丟棄",
				"error", err,
				"user_id", c.sess.UserID)
			continue
		}

		c.room.HandleMessage(context.Background(), c.sess, msg)
	}
}

// writePump 連接的唯一寫者
//
// 統一消費三種寫入來源：
//   - 出站業務消息（會話的 FIFO channel，入隊順序即交付順序）
//   - 心跳監測器的 ping 請求（控制幀，不佔應用層帶寬）
//   - readPump 退出信號（發送關閉幀後返回）
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.sess.Outbound():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.sess.Outbound())
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.sess.Outbound()); err != nil {
					return
				}
			}

		case <-c.sess.PingRequests():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			deadline := time.Now().Add(time.Second)
			if err := c.conn.SetWriteDeadline(deadline); err == nil {
				// 嘗試發送關閉幀，忽略錯誤（連接可能已關閉）
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
			return
		}
	}
}
