package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
)

// handleBacktestWS streams {status, progress, results?, error?} frames for
// one task: the current state immediately, every transition and progress
// update after, closing once the task is terminal.
func (s *Server) handleBacktestWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	updates, err := s.cfg.Tasks.Subscribe(taskID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, apiError{Kind: "not_found", Message: "unknown task"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Backtest WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				// Terminal state reached; the sink is closed.
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to marshal task update")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
