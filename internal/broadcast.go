package internal

import "log/slog"

// Fanout 廣播扇出
//
// 契約：序列化一次，寫入註冊表中除排除者外的每個活躍連接。
//
// 失敗隔離（核心不變量）：
//   - 單個接收者的發送失敗（背壓、已關閉的 socket）只記錄日誌，
//     絕不中斷對其餘接收者的扇出，也不向調用方傳播
//   - 失敗的連接交給心跳監測器在下一次漏探測時回收
//
// 順序保證：
//   - 跨接收者之間無順序要求
//   - 單一接收者內按入隊順序交付（send channel FIFO，扇出不重排）
type Fanout struct {
	registry *Registry
	logger   *slog.Logger
}

// NewFanout 創建廣播扇出
func NewFanout(registry *Registry, logger *slog.Logger) *Fanout {
	return &Fanout{
		registry: registry,
		logger:   logger,
	}
}

// Send 廣播消息到所有活躍連接
//
// exclude 非 nil 時跳過該會話（「通知其他人」模式）。
// 序列化失敗是程式錯誤，只記錄一次，不發送任何消息。
func (f *Fanout) Send(msg Message, exclude *Session) {
	data, err := EncodeMessage(msg)
	if err != nil {
		f.logger.Error("序列化廣播消息失敗", "type", msg.Type, "error", err)
		return
	}

	for _, sess := range f.registry.Snapshot() {
		if sess == exclude {
			continue
		}
		if !sess.Enqueue(data) {
			f.logger.Warn("連接緩衝區滿，略過廣播",
				"type", msg.Type,
				"user_id", sess.UserID)
		}
	}
}

// SendTo 向單一會話發送消息（直接確認、pong 回應）
func (f *Fanout) SendTo(sess *Session, msg Message) {
	data, err := EncodeMessage(msg)
	if err != nil {
		f.logger.Error("序列化消息失敗", "type", msg.Type, "error", err)
		return
	}

	if !sess.Enqueue(data) {
		f.logger.Warn("連接緩衝區滿，丟棄消息",
			"type", msg.Type,
			"user_id", sess.UserID)
	}
}
