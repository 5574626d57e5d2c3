// Package signal is the WebSocket front: it decodes inbound session-control
// envelopes, routes them to the audio manager and delivers outbound client
// messages back over the right connection.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/audio"
	"github.com/meshvoice/sfu/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the connection registry and implements mcs.ClientSender so
// providers can push async messages to any tracked connection.
type Controller struct {
	Audio *audio.AudioManager

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*wsConn
	rooms map[domain.ConnectionID]domain.VoiceBridge
}

func NewController() *Controller {
	return &Controller{
		conns: make(map[domain.ConnectionID]*wsConn),
		rooms: make(map[domain.ConnectionID]domain.VoiceBridge),
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// HandleSignal upgrades the request and runs the connection's pumps. The
// connection id comes from the conferencing app's session token.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	connID := domain.ConnectionID(c.Query("sessionToken"))
	if connID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionToken"})
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctl.mu.Lock()
	ctl.conns[connID] = conn
	ctl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, connID, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, connID, conn)
		ctl.dropConn(ctx, connID)
	}()
}

// dropConn closes the transport and tears the connection's sessions down as
// if a close message had arrived.
func (ctl *Controller) dropConn(ctx context.Context, connID domain.ConnectionID) {
	ctl.mu.Lock()
	conn, ok := ctl.conns[connID]
	room := ctl.rooms[connID]
	delete(ctl.conns, connID)
	delete(ctl.rooms, connID)
	ctl.mu.Unlock()
	if !ok {
		return
	}
	conn.close()
	ctl.Audio.Handle(ctx, domain.NewCloseRequest(connID, room))
	log.Info().Str("module", "signal").Str("conn", string(connID)).Msg("connection dropped")
}
