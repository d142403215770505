package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Stream tuning.
const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
	pingInterval     = 30 * time.Second
)

// handleEvents upgrades to a websocket and forwards bus events as JSON
// until either side goes away. The stream is server-to-client only; client
// messages are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "event stream disabled"})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow() //nolint:errcheck // best effort after a clean close

	events, unsubscribe := s.bus.Subscribe(subscriberBuffer)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	s.logger.Debug("event stream client connected", slog.String("remote", r.RemoteAddr))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("event stream client disconnected", slog.String("remote", r.RemoteAddr))
			return
		case <-ping.C:
			if err := s.ping(ctx, conn); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:errcheck // closing anyway
				return
			}

			if err := s.send(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Debug("event stream write failed", slog.String("error", err.Error()))
				}

				return
			}
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, v)
}

func (s *Server) ping(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Ping(ctx)
}
