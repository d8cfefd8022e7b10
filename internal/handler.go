package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 請求處理器
//
// 實時協作走 WebSocket（/ws），這裡只提供旁路的觀測端點：
// 健康檢查、運行統計、當前名冊快照。
type Handler struct {
	room   *Room
	hub    *Hub
	logger *slog.Logger

	startTime time.Time
}

// NewHandler 創建 HTTP 處理器
func NewHandler(room *Room, hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{
		room:      room,
		hub:       hub,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// WebSocket 入口（升級請求不經過日誌中間件，避免劫持後的狀態碼誤報）
	mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))

	// 觀測端點
	mux.HandleFunc("GET /api/v1/users", wrap(h.listUsers))
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// listUsers 當前名冊快照（與廣播給客戶端的 user_list 同源）
func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.room.Roster(r.Context())
	if err != nil {
		h.logger.Error("查詢名冊失敗", "error", err)
		h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{
		"users": users,
		"total": len(users),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.room.Stats(r.Context())
	if err != nil {
		h.logger.Error("查詢統計失敗", "error", err)
		h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
		return
	}
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())

	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
