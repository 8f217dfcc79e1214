package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	"github.com/hochfrequenz/tune-orchestrator/internal/trainer"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to localhost; browser pages served from other
	// local ports still need to connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TrainingFrame is one websocket push: freshly drained log lines plus
// the current job status.
type TrainingFrame struct {
	Logs   []domain.LogEntry `json:"logs"`
	Status trainer.Status    `json:"status"`
}

func (s *Server) trainingSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("Websocket upgrade failed")
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn.SetReadLimit(512)
			for {
				// Clients only send pings and close frames.
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(s.wsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				frame := TrainingFrame{
					Logs:   s.trainer.DrainLogs(),
					Status: s.trainer.Status(),
				}
				if frame.Logs == nil {
					frame.Logs = []domain.LogEntry{}
				}

				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}
}
