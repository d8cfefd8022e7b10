// Package main 提供了一個多用戶實時計數器服務。
//
// 實現了一個單一共享房間的協作計數服務器，所有客戶端透過
// WebSocket 連入，各自維護獨立的計數並實時看到彼此的狀態：
//
// 身份與會話
//
// 每個連接對應一個用戶身份與一條活躍會話：
//   - 服務端分配或客戶端聲明的穩定用戶 ID
//   - 同一身份的新連接取代舊連接
//   - 斷開後名冊即時收斂
//
// # WebSocket 通訊
//
// 實現了即時雙向通訊機制：
//   - 計數遞增與改名的即時廣播
//   - 發起者先收到確認、再收到名冊快照的交付順序
//   - 心跳檢測（Ping/Pong）回收半開連接
//   - 協議錯誤本地恢復，連接保持開啟
//
// 持久層
//
// 用戶記錄透過統一的存儲接口落地，支援三種後端：
//   - memory：進程內映射（開發與測試）
//   - redis：Hash + Set 索引，Lua 腳本保證原子遞增
//   - postgres：單表 UPDATE ... RETURNING，自動執行遷移
//
// 併發安全設計
//
// 採用了多層次的併發控制策略：
//   - 存儲層原子遞增排除丟失更新
//   - 每連接單一讀者順序分發消息
//   - 每會話 FIFO channel 保證交付順序
//   - 存儲呼叫返回後複查會話註冊狀態
//
// 使用範例
//
// 啟動服務器：
//
//	store := storage.NewMemory()
//	room := internal.NewRoom(store, internal.RoomOptions{}, logger)
//	hub := internal.NewHub(room, logger)
//	handler := internal.NewHandler(room, hub, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端連接後發送：
//
//	{"type":"increment_counter"}
//	{"type":"change_name","name":"Alice"}
//	{"type":"ping","timestamp":1735689600000}
//
// 配置選項
//
// 支援多種運行時配置：
//   - -config：配置檔案路徑（預設 config.yaml）
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
//
// 監控與除錯
//
// 內建觀測端點：
//   - GET /health：健康檢查
//   - GET /stats：在線人數、用戶總數、計數總和
//   - GET /api/v1/users：當前名冊快照
package main
