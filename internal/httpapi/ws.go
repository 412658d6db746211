package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"isotope/pkg/types"
)

const wsWriteWait = 10 * time.Second

func (s *server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if s.opts.CORS.Enabled {
		origins := s.opts.CORS.AllowedOrigins
		u.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || slices.Contains(origins, "*") || slices.Contains(origins, o)
		}
	}
	return u
}

// handleChatWS runs chats over a websocket. Each text frame carries a
// ChatRequest and is answered by that generation's events, one JSON frame
// each. Requests on one connection are handled in order.
func (s *server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.opts.MaxBodyBytes)
	log := s.reqLogger(r)

	// The request context ends when the handler returns, so only shutdown
	// and write failures cancel a generation.
	base, stop := joinContexts(context.WithoutCancel(r.Context()), s.opts.BaseContext)
	defer stop()

	for {
		var req types.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if !s.chatWS(base, conn, req) {
			return
		}
	}
}

// chatWS forwards one generation and reports whether the connection is still
// writable.
func (s *server) chatWS(base context.Context, conn *websocket.Conn, req types.ChatRequest) bool {
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	events, err := s.svc.Chat(ctx, req.Prompt)
	if err != nil {
		return s.writeWS(conn, types.ChatEvent{Type: types.EventError, Message: err.Error()}) == nil
	}
	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue
		}
		if writeErr = s.writeWS(conn, ev); writeErr != nil {
			cancel()
			incrementChatAbort("websocket")
		}
	}
	return writeErr == nil
}

func (s *server) writeWS(conn *websocket.Conn, ev types.ChatEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
