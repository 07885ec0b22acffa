package deploy

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siteship/siteship/core/infra/logging"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The ops listener is not exposed to browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamHandler upgrades to a WebSocket and forwards progress events as JSON
// messages. An optional ?deploy_id= filter narrows the stream to one run.
func StreamHandler(hub *ProgressHub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("deploy", "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		deployID := r.URL.Query().Get("deploy_id")
		go streamEvents(conn, hub, deployID)
	})
}

func streamEvents(conn *websocket.Conn, hub *ProgressHub, deployID string) {
	defer conn.Close()
	events := hub.Subscribe()
	defer hub.Unsubscribe(events)

	// Drain the reader so close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if deployID != "" && ev.DeployID != deployID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
