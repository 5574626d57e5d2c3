package mcs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/meshvoice/sfu/internal/domain"
)

// SessionStatus transitions are monotonic within one lifecycle:
// STOPPED -> STARTING -> STARTED -> STOPPING -> STOPPED.
type SessionStatus string

const (
	StatusStopped  SessionStatus = "STOPPED"
	StatusStarting SessionStatus = "STARTING"
	StatusStarted  SessionStatus = "STARTED"
	StatusStopping SessionStatus = "STOPPING"
)

// MediaSession wraps one media-server element. Adapter events that arrive
// before any consumer subscribed are buffered per kind and flushed exactly
// once, in arrival order, on first subscription.
type MediaSession struct {
	id      domain.MediaID
	roomID  domain.VoiceBridge
	userID  domain.MCSUserID
	kind    SessionKind
	adapter Adapter
	params  ElementParams

	status *atomic.String

	mu                 sync.Mutex
	subscribedSessions []domain.MediaID
	stateHandler       func(Event)
	stateQueue         []Event
	iceHandler         func(Event)
	iceQueue           []Event
}

func newMediaSession(room domain.VoiceBridge, user domain.MCSUserID, adapter Adapter, params ElementParams) *MediaSession {
	return &MediaSession{
		id:      domain.MediaID(uuid.NewString()),
		roomID:  room,
		userID:  user,
		kind:    params.Kind,
		adapter: adapter,
		params:  params,
		status:  atomic.NewString(string(StatusStopped)),
	}
}

func (s *MediaSession) ID() domain.MediaID       { return s.id }
func (s *MediaSession) Room() domain.VoiceBridge { return s.roomID }
func (s *MediaSession) User() domain.MCSUserID   { return s.userID }
func (s *MediaSession) Kind() SessionKind        { return s.kind }

func (s *MediaSession) Status() SessionStatus {
	return SessionStatus(s.status.Load())
}

// Start asks the adapter to negotiate the underlying element and returns its
// local descriptor. On adapter failure the status resets to STOPPED.
func (s *MediaSession) Start(ctx context.Context) (string, error) {
	if !s.status.CompareAndSwap(string(StatusStopped), string(StatusStarting)) {
		return "", &Error{Code: CodeGenericError, Message: "session already starting or started"}
	}
	descriptor, err := s.adapter.Negotiate(ctx, s.roomID, s.userID, s.id, s.params)
	if err != nil {
		s.status.Store(string(StatusStopped))
		log.Error().Err(err).Str("module", "mcs.session").Str("media_id", string(s.id)).Msg("negotiation failed")
		return "", err
	}
	s.status.Store(string(StatusStarted))
	log.Debug().Str("module", "mcs.session").Str("media_id", string(s.id)).Str("kind", string(s.kind)).Msg("session started")
	return descriptor, nil
}

// Renegotiate reruns the adapter negotiation for an already started element,
// e.g. to supply the answer half of a relayed offer.
func (s *MediaSession) Renegotiate(ctx context.Context, descriptor string) (string, error) {
	if s.Status() != StatusStarted {
		return "", ErrMediaNotFound
	}
	params := s.params
	params.Descriptor = descriptor
	params.MediaID = s.id
	return s.adapter.Negotiate(ctx, s.roomID, s.userID, s.id, params)
}

// Stop tears the element down. Double-stop is safe: any status other than
// STARTED resolves immediately without touching the adapter.
func (s *MediaSession) Stop(ctx context.Context) error {
	if !s.status.CompareAndSwap(string(StatusStarted), string(StatusStopping)) {
		return nil
	}
	err := s.adapter.Stop(ctx, s.roomID, s.id)
	s.status.Store(string(StatusStopped))
	if err != nil {
		log.Warn().Err(err).Str("module", "mcs.session").Str("media_id", string(s.id)).Msg("adapter stop failed")
		return err
	}
	return nil
}

func (s *MediaSession) Connect(ctx context.Context, sink domain.MediaID, mt MediaType) error {
	if mt == "" {
		mt = MediaTypeAll
	}
	return s.adapter.Connect(ctx, s.id, sink, mt)
}

func (s *MediaSession) Disconnect(ctx context.Context, sink domain.MediaID, mt MediaType) error {
	if mt == "" {
		mt = MediaTypeAll
	}
	return s.adapter.Disconnect(ctx, s.id, sink, mt)
}

func (s *MediaSession) AddIceCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return s.adapter.AddIceCandidate(ctx, s.id, c)
}

// OnEvent subscribes a consumer to one event kind and flushes anything
// buffered for it, in arrival order. Later events dispatch directly.
func (s *MediaSession) OnEvent(kind EventKind, handler func(Event)) {
	s.mu.Lock()
	var backlog []Event
	switch kind {
	case EventMediaState:
		s.stateHandler = handler
		backlog = s.stateQueue
		s.stateQueue = nil
	case EventIceCandidate:
		s.iceHandler = handler
		backlog = s.iceQueue
		s.iceQueue = nil
	}
	s.mu.Unlock()

	for _, ev := range backlog {
		handler(ev)
	}
}

// handleEvent is the controller-side dispatch entry. Events for a kind with
// no subscriber yet are queued FIFO.
func (s *MediaSession) handleEvent(ev Event) {
	s.mu.Lock()
	var handler func(Event)
	switch ev.Kind {
	case EventMediaState:
		if s.stateHandler == nil {
			s.stateQueue = append(s.stateQueue, ev)
			s.mu.Unlock()
			return
		}
		handler = s.stateHandler
	case EventIceCandidate:
		if s.iceHandler == nil {
			s.iceQueue = append(s.iceQueue, ev)
			s.mu.Unlock()
			return
		}
		handler = s.iceHandler
	}
	s.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

// addSubscriber records a subscriber session id for fan-out bookkeeping.
func (s *MediaSession) addSubscriber(id domain.MediaID) {
	s.mu.Lock()
	s.subscribedSessions = append(s.subscribedSessions, id)
	s.mu.Unlock()
}

// removeSubscriber scrubs a torn-down subscriber reference.
func (s *MediaSession) removeSubscriber(id domain.MediaID) {
	s.mu.Lock()
	for i, sid := range s.subscribedSessions {
		if sid == id {
			s.subscribedSessions = append(s.subscribedSessions[:i], s.subscribedSessions[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Subscribers returns a snapshot of the subscriber session ids.
func (s *MediaSession) Subscribers() []domain.MediaID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MediaID, len(s.subscribedSessions))
	copy(out, s.subscribedSessions)
	return out
}
