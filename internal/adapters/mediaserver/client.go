// Package mediaserver implements the mcs.Adapter contract over the media
// server's WebSocket control API. It only relays negotiation verbs and SDP
// descriptors; all codec and RTP work happens on the media server itself.
package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/mcs"
)

const requestTimeout = 10 * time.Second

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	// Event fields, present when ID is zero.
	Type      string                   `json:"type,omitempty"`
	MediaID   domain.MediaID           `json:"mediaId,omitempty"`
	State     string                   `json:"state,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Client is a correlated request/response WebSocket client. One global event
// handler receives media-state and ICE pushes.
type Client struct {
	url       string
	connected *atomic.Bool
	nextID    *atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	handler func(mcs.Event)
}

func NewClient(url string) *Client {
	return &Client{
		url:       url,
		connected: atomic.NewBool(false),
		nextID:    atomic.NewUint64(0),
		pending:   make(map[uint64]chan response),
	}
}

// Dial connects and starts the read loop. Reconnection is the caller's
// responsibility; sessions do not survive a control-channel drop.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("media server dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	go c.readLoop()
	log.Info().Str("module", "mediaserver").Str("url", c.url).Msg("control channel up")
	return nil
}

func (c *Client) Close() {
	c.connected.Store(false)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) OnEvent(handler func(mcs.Event)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Error().Err(err).Str("module", "mediaserver").Msg("control channel down")
			c.connected.Store(false)
			c.failPending()
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Err(err).Str("module", "mediaserver").Msg("bad control frame")
			continue
		}
		if resp.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
			continue
		}
		c.dispatchEvent(resp)
	}
}

func (c *Client) dispatchEvent(resp response) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}
	switch resp.Type {
	case "mediaState":
		handler(mcs.Event{MediaID: resp.MediaID, Kind: mcs.EventMediaState, State: resp.State})
	case "iceCandidate":
		handler(mcs.Event{MediaID: resp.MediaID, Kind: mcs.EventIceCandidate, Candidate: resp.Candidate})
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if !c.connected.Load() {
		return mcs.ErrMediaServerOffline
	}
	id := c.nextID.Inc()
	ch := make(chan response, 1)

	c.mu.Lock()
	conn := c.conn
	c.pending[id] = ch
	err := conn.WriteJSON(request{ID: id, Method: method, Params: params})
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("control write: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return mcs.ErrMediaServerOffline
		}
		if resp.Error != nil {
			return &mcs.Error{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return mcs.ErrMediaServerReqTimeout
	}
}

type negotiateParams struct {
	Room        domain.VoiceBridge `json:"room"`
	User        domain.MCSUserID   `json:"user"`
	MediaID     domain.MediaID     `json:"mediaId"`
	Kind        mcs.SessionKind    `json:"kind"`
	MediaType   mcs.MediaType      `json:"mediaType"`
	Descriptor  string             `json:"descriptor,omitempty"`
	MediaServer string             `json:"mediaServer,omitempty"`
	Renegotiate domain.MediaID     `json:"renegotiate,omitempty"`
	Name        string             `json:"name,omitempty"`
	URI         string             `json:"uri,omitempty"`
}

func (c *Client) Negotiate(ctx context.Context, room domain.VoiceBridge, user domain.MCSUserID, mediaID domain.MediaID, params mcs.ElementParams) (string, error) {
	var result struct {
		Descriptor string `json:"descriptor"`
	}
	err := c.call(ctx, "negotiate", negotiateParams{
		Room:        room,
		User:        user,
		MediaID:     mediaID,
		Kind:        params.Kind,
		MediaType:   params.MediaType,
		Descriptor:  params.Descriptor,
		MediaServer: params.MediaServer,
		Renegotiate: params.MediaID,
		Name:        params.Name,
		URI:         params.URI,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Descriptor, nil
}

func (c *Client) Stop(ctx context.Context, room domain.VoiceBridge, mediaID domain.MediaID) error {
	return c.call(ctx, "stop", map[string]any{"room": room, "mediaId": mediaID}, nil)
}

func (c *Client) Connect(ctx context.Context, source, sink domain.MediaID, mt mcs.MediaType) error {
	return c.call(ctx, "connect", map[string]any{"source": source, "sink": sink, "mediaType": mt}, nil)
}

func (c *Client) Disconnect(ctx context.Context, source, sink domain.MediaID, mt mcs.MediaType) error {
	return c.call(ctx, "disconnect", map[string]any{"source": source, "sink": sink, "mediaType": mt}, nil)
}

func (c *Client) AddIceCandidate(ctx context.Context, mediaID domain.MediaID, candidate webrtc.ICECandidateInit) error {
	return c.call(ctx, "addIceCandidate", map[string]any{"mediaId": mediaID, "candidate": candidate}, nil)
}
