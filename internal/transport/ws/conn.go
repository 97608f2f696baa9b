package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/00quasr/sokudo-sub009/internal/coordinator"
	"github.com/00quasr/sokudo-sub009/internal/identity"
	"github.com/00quasr/sokudo-sub009/internal/protocol"
	"github.com/00quasr/sokudo-sub009/internal/race"
)

var errRateLimited = race.Exhausted(errors.New("rate limit exceeded"))

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.ident.Identify(r)
	if err != nil {
		s.logger.Debug("identify failed", "remote", r.RemoteAddr, "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, identity.ErrInvalidUser) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := coordinator.NewChannelConnection(race.ConnID(uuid.NewString()), id, s.cfg.SendBuffer)
	s.coord.Connect(conn)

	go s.writePump(r.Context(), ws, conn)
	s.readPump(r, ws, conn)
}

// readPump decodes inbound frames and submits them until the peer goes away.
// It owns the cleanup of the connection.
func (s *Server) readPump(r *http.Request, ws *websocket.Conn, conn *coordinator.ChannelConnection) {
	defer func() {
		conn.Close()
		s.coord.Disconnect(conn)
		ws.Close()
	}()

	// Room for the largest valid frame plus websocket framing slack.
	ws.SetReadLimit(protocol.MaxFrameBytes + 512)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RateBurst)
	ctx := r.Context()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", "user", conn.UserID(), "error", err)
			}
			return
		}
		s.frames.FrameReceived()

		if !limiter.Allow() {
			s.frames.RateLimited()
			conn.Send(race.ErrorEventFor(errRateLimited))
			continue
		}
		if kind != websocket.TextMessage {
			conn.Send(race.ErrorEventFor(race.Validation("frames must be text")))
			continue
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			s.logger.Debug("bad frame", "user", conn.UserID(), "error", err)
			conn.Send(race.ErrorEventFor(err))
			continue
		}
		s.coord.Submit(ctx, conn, cmd)
	}
}

// writePump encodes events in order and keeps the peer alive with pings.
// Cancelling ctx, as server shutdown does, closes the socket.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, conn *coordinator.ChannelConnection) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case evt := <-conn.Events():
			data, err := protocol.EncodeEvent(evt)
			if err != nil {
				s.logger.Error("encode event", "user", conn.UserID(), "event", evt, "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		case <-conn.Done():
			s.writeClose(ws, "connection closed")
			return
		case <-ctx.Done():
			s.writeClose(ws, "server shutting down")
			return
		}
	}
}

func (s *Server) writeClose(ws *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait))
}
