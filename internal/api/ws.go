package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fleetopt/internal/logging"
	"fleetopt/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

// wsMessage frames everything sent on a run stream.
type wsMessage struct {
	Type    string `json:"type"` // status | progress | ping
	Payload any    `json:"payload,omitempty"`
}

// streamRun upgrades to a websocket, sends the current run status and then
// forwards progress until the run completes or fails.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, st RunStatus) {
	ch := s.Broker.Subscribe(st.RunID)
	defer s.Broker.Unsubscribe(st.RunID, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context(), s.Log).Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer func() { _ = conn.Close() }()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	closeNormal := func(reason string) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(wsWriteWait))
	}

	// re-read after subscribing so a run finishing in between is not missed
	if cur, ok := s.runs.get(st.RunID); ok {
		st = cur
	}
	if err := write(wsMessage{Type: "status", Payload: st}); err != nil {
		return
	}
	if st.Status != runRunning {
		closeNormal(st.Status)
		return
	}

	// reader: handles pongs and notices client close
	gone := make(chan struct{})
	conn.SetReadLimit(1 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: "progress", Payload: evt}); err != nil {
				return
			}
			if isFinal(evt) {
				closeNormal(evt.Stage)
				return
			}
		case <-ticker.C:
			// a full subscriber buffer can drop the final event
			if cur, ok := s.runs.get(st.RunID); ok && cur.Status != runRunning {
				_ = write(wsMessage{Type: "status", Payload: cur})
				closeNormal(cur.Status)
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isFinal(evt model.ProgressEvent) bool {
	return evt.Stage == runCompleted || evt.Stage == runFailed
}
