package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/gpu-queue/internal/events"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4 << 10
)

func (s *Server) upgrader() *websocket.Upgrader {
	allowAll := len(s.cfg.CORSOrigins) == 0
	allowed := make(map[string]bool, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowAll || origin == "" || allowed[origin]
		},
	}
}

// stream 把事件推送到 WebSocket 連線
//
// 流程:
//  1. 升級連線並以 ChannelObserver 註冊到事件中心
//  2. 讀取 goroutine 只負責偵測客戶端斷線（客戶端訊息一律忽略）
//  3. 寫入循環把事件寫成 {type, data, timestamp}，並定期送 ping
//
// 觀察者被中心移除（緩衝滿）時 C 會關閉，連線隨之結束
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	obs := events.NewChannelObserver(s.cfg.ObserverBuffer)
	unregister := s.observers.Register(obs)
	defer unregister()
	s.log.Info("WebSocket client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxClientFrame)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			s.log.Info("WebSocket client disconnected", "remote", r.RemoteAddr)
			return
		case evt, ok := <-obs.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event stream fell behind"))
				s.log.Warn("WebSocket client dropped", "remote", r.RemoteAddr)
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Warn("WebSocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
