package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
)

// Send implements mcs.ClientSender. Unknown connections and backpressure
// drops are logged, never fatal: the session supervision layer handles dead
// clients.
func (ctl *Controller) Send(connID domain.ConnectionID, msg any) {
	ctl.mu.RLock()
	conn, ok := ctl.conns[connID]
	ctl.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "signal").Str("conn", string(connID)).Msg("send to unknown connection dropped")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("outbound marshal")
		return
	}
	if err := conn.trySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("outbound send dropped")
	}
}

func (ctl *Controller) writePump(ctx context.Context, connID domain.ConnectionID, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, connID domain.ConnectionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("readPump read error")
				return
			}
			ctl.handleMessage(ctx, connID, data)
		}
	}
}

func (ctl *Controller) handleMessage(ctx context.Context, connID domain.ConnectionID, data []byte) {
	req, err := domain.DecodeRequest(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("bad inbound message")
		return
	}
	if req.Conn() != connID {
		log.Warn().Str("module", "signal").Str("conn", string(connID)).Str("claimed", string(req.Conn())).Msg("connection id mismatch")
		return
	}
	if _, ok := req.(*domain.StartRequest); ok {
		ctl.mu.Lock()
		ctl.rooms[connID] = req.Room()
		ctl.mu.Unlock()
	}
	ctl.Audio.Handle(ctx, req)
}
