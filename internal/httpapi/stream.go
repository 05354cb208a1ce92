package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleEventStream 以 WebSocket 推送事件，先補發序號大於 since 的保留事件
//
// 每則訊息是一個 JSON 事件；用戶端只需讀取，送來的訊息會被忽略
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}
	defer conn.Close()

	sub := s.ledger.Subscribe(since)
	defer sub.Close()
	log.Info("event stream opened", "remote", r.RemoteAddr, "since", since)

	// 讀取端只處理 pong 與關閉
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Info("event stream closed by client", "remote", r.RemoteAddr)
			return

		case <-r.Context().Done():
			return

		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warn("event stream write failed", "remote", r.RemoteAddr, "seq", ev.Seq, "error", err.Error())
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
