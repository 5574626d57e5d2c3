package mcs

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
)

// ClientSender delivers an outbound message to one transport connection.
// The signal adapter implements it; tests use a recorder.
type ClientSender interface {
	Send(connID domain.ConnectionID, msg any)
}

// Router is the thin per-client-connection adapter over the controller. It
// keeps the mediaId -> connection map so async adapter events find their way
// back to the right transport connection.
type Router struct {
	ctrl   *Controller
	sender ClientSender

	mu      sync.RWMutex
	clients map[domain.MediaID]domain.ConnectionID
}

func NewRouter(ctrl *Controller, sender ClientSender) *Router {
	return &Router{
		ctrl:    ctrl,
		sender:  sender,
		clients: make(map[domain.MediaID]domain.ConnectionID),
	}
}

func (r *Router) Controller() *Controller { return r.ctrl }

// Track binds a media session to a transport connection and wires its ICE
// events to that connection. Buffered candidates flush on subscription.
func (r *Router) Track(mediaID domain.MediaID, connID domain.ConnectionID) error {
	r.mu.Lock()
	r.clients[mediaID] = connID
	r.mu.Unlock()

	return r.ctrl.OnEvent(EventIceCandidate, mediaID, func(ev Event) {
		if ev.Candidate == nil {
			return
		}
		r.forwardCandidate(mediaID, *ev.Candidate)
	})
}

// Untrack drops the binding after the media session is torn down.
func (r *Router) Untrack(mediaID domain.MediaID) {
	r.mu.Lock()
	delete(r.clients, mediaID)
	r.mu.Unlock()
}

// ClientOf resolves the transport connection of a media session.
func (r *Router) ClientOf(mediaID domain.MediaID) (domain.ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.clients[mediaID]
	return connID, ok
}

func (r *Router) forwardCandidate(mediaID domain.MediaID, c webrtc.ICECandidateInit) {
	connID, ok := r.ClientOf(mediaID)
	if !ok {
		log.Debug().Str("module", "mcs.router").Str("media_id", string(mediaID)).Msg("candidate for untracked media dropped")
		return
	}
	r.sender.Send(connID, domain.NewIceCandidateMessage(connID, c))
}
