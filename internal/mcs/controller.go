package mcs

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
)

// Controller is the routing core. It creates and indexes rooms, users and
// media sessions, and maps the high-level verbs onto entity-graph mutations
// with cascading cleanup.
//
// One Controller per process, constructed in main and passed down.
type Controller struct {
	adapter Adapter

	mu    sync.RWMutex
	rooms map[domain.VoiceBridge]*Room
	users map[domain.MCSUserID]*User
	media map[domain.MediaID]*MediaSession
}

func NewController(adapter Adapter) *Controller {
	c := &Controller{
		adapter: adapter,
		rooms:   make(map[domain.VoiceBridge]*Room),
		users:   make(map[domain.MCSUserID]*User),
		media:   make(map[domain.MediaID]*MediaSession),
	}
	adapter.OnEvent(c.dispatch)
	return c
}

// WaitForConnection reports media-server health. Every session-starting verb
// is gated on it so callers fail fast instead of hanging.
func (c *Controller) WaitForConnection() bool {
	return c.adapter.Connected()
}

// Join adds a user to a room, creating the room lazily on first join.
func (c *Controller) Join(ctx context.Context, roomID domain.VoiceBridge, kind UserType, params JoinParams) (domain.MCSUserID, error) {
	if !c.adapter.Connected() {
		return "", ErrMediaServerOffline
	}
	user := newUser(roomID, kind, params.Name)

	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		c.rooms[roomID] = room
		log.Info().Str("module", "mcs.controller").Str("room", string(roomID)).Msg("room created")
	}
	c.users[user.ID()] = user
	c.mu.Unlock()

	room.addUser(user)
	log.Info().Str("module", "mcs.controller").Str("room", string(roomID)).Str("user_id", string(user.ID())).Str("name", params.Name).Msg("user joined")
	return user.ID(), nil
}

// Leave stops every session the user owns (best-effort), scrubs the killed
// ids from other sessions' subscriber lists, and removes the user.
func (c *Controller) Leave(ctx context.Context, roomID domain.VoiceBridge, userID domain.MCSUserID) error {
	room, user, err := c.resolveUser(roomID, userID)
	if err != nil {
		return err
	}
	killed := user.leave(ctx)

	c.mu.Lock()
	for _, id := range killed {
		delete(c.media, id)
	}
	delete(c.users, userID)
	c.mu.Unlock()
	room.removeUser(userID)

	c.scrubSubscribers(killed)
	log.Info().Str("module", "mcs.controller").Str("room", string(roomID)).Str("user_id", string(userID)).Int("killed", len(killed)).Msg("user left")
	return nil
}

// Publish creates a media session owned by the publisher, negotiates it and
// indexes it globally only after the negotiation succeeded. When
// params.MediaID resolves to an existing session the call renegotiates it
// instead (the relay re-publish leg of the bridge handshake).
func (c *Controller) Publish(ctx context.Context, userID domain.MCSUserID, roomID domain.VoiceBridge, params ElementParams) (domain.MediaID, string, error) {
	if !c.adapter.Connected() {
		return "", "", ErrMediaServerOffline
	}
	if err := validKind(params.Kind); err != nil {
		return "", "", err
	}
	_, user, err := c.resolveUser(roomID, userID)
	if err != nil {
		return "", "", err
	}

	if params.MediaID != "" {
		session, ok := user.session(params.MediaID)
		if !ok {
			return "", "", ErrMediaNotFound
		}
		descriptor, err := session.Renegotiate(ctx, params.Descriptor)
		if err != nil {
			return "", "", err
		}
		return session.ID(), descriptor, nil
	}

	session := newMediaSession(roomID, userID, c.adapter, params)
	descriptor, err := session.Start(ctx)
	if err != nil {
		return "", "", err
	}

	user.addSession(session)
	c.indexMedia(session)
	log.Debug().Str("module", "mcs.controller").Str("room", string(roomID)).Str("media_id", string(session.ID())).Str("kind", string(params.Kind)).Msg("published")
	return session.ID(), descriptor, nil
}

// Subscribe resolves an already published source, negotiates a subscriber
// session for the caller and links source -> subscriber.
func (c *Controller) Subscribe(ctx context.Context, userID domain.MCSUserID, sourceID domain.MediaID, params ElementParams) (domain.MediaID, string, error) {
	if !c.adapter.Connected() {
		return "", "", ErrMediaServerOffline
	}
	if err := validKind(params.Kind); err != nil {
		return "", "", err
	}
	source, err := c.session(sourceID)
	if err != nil {
		return "", "", err
	}
	_, user, err := c.resolveUser(source.Room(), userID)
	if err != nil {
		return "", "", err
	}

	session := newMediaSession(source.Room(), userID, c.adapter, params)
	descriptor, err := session.Start(ctx)
	if err != nil {
		return "", "", err
	}
	mt := params.MediaType
	if mt == "" {
		mt = MediaTypeAll
	}
	if err := source.Connect(ctx, session.ID(), mt); err != nil {
		if stopErr := session.Stop(ctx); stopErr != nil {
			log.Warn().Err(stopErr).Str("module", "mcs.controller").Str("media_id", string(session.ID())).Msg("rollback stop failed")
		}
		return "", "", err
	}

	user.addSession(session)
	source.addSubscriber(session.ID())
	c.indexMedia(session)
	log.Debug().Str("module", "mcs.controller").Str("source", string(sourceID)).Str("media_id", string(session.ID())).Msg("subscribed")
	return session.ID(), descriptor, nil
}

// PublishAndSubscribe publishes a session and auto-connects an existing
// source to it, a convenience composite for full-duplex call legs.
func (c *Controller) PublishAndSubscribe(ctx context.Context, userID domain.MCSUserID, roomID domain.VoiceBridge, sourceID domain.MediaID, params ElementParams) (domain.MediaID, string, error) {
	mediaID, descriptor, err := c.Publish(ctx, userID, roomID, params)
	if err != nil {
		return "", "", err
	}
	source, err := c.session(sourceID)
	if err != nil {
		c.teardown(ctx, userID, mediaID)
		return "", "", err
	}
	mt := params.MediaType
	if mt == "" {
		mt = MediaTypeAll
	}
	if err := source.Connect(ctx, mediaID, mt); err != nil {
		c.teardown(ctx, userID, mediaID)
		return "", "", err
	}
	source.addSubscriber(mediaID)
	return mediaID, descriptor, nil
}

// Unpublish stops and unindexes a published session.
func (c *Controller) Unpublish(ctx context.Context, userID domain.MCSUserID, mediaID domain.MediaID) error {
	return c.teardown(ctx, userID, mediaID)
}

// Unsubscribe stops a subscriber session and scrubs it from its source.
func (c *Controller) Unsubscribe(ctx context.Context, userID domain.MCSUserID, mediaID domain.MediaID) error {
	return c.teardown(ctx, userID, mediaID)
}

// Connect links source -> sink on the media server, filtered by media type.
func (c *Controller) Connect(ctx context.Context, sourceID, sinkID domain.MediaID, mt MediaType) error {
	source, err := c.session(sourceID)
	if err != nil {
		return err
	}
	if _, err := c.session(sinkID); err != nil {
		return err
	}
	return source.Connect(ctx, sinkID, mt)
}

// Disconnect unlinks source -> sink.
func (c *Controller) Disconnect(ctx context.Context, sourceID, sinkID domain.MediaID, mt MediaType) error {
	source, err := c.session(sourceID)
	if err != nil {
		return err
	}
	if _, err := c.session(sinkID); err != nil {
		return err
	}
	return source.Disconnect(ctx, sinkID, mt)
}

// StartRecording negotiates a recorder element owned by userID and links the
// source into it.
func (c *Controller) StartRecording(ctx context.Context, userID domain.MCSUserID, sourceID domain.MediaID, path string) (domain.MediaID, error) {
	source, err := c.session(sourceID)
	if err != nil {
		return "", err
	}
	mediaID, _, err := c.Publish(ctx, userID, source.Room(), ElementParams{
		Kind:      KindRecorder,
		MediaType: MediaTypeAll,
		URI:       path,
	})
	if err != nil {
		return "", err
	}
	if err := source.Connect(ctx, mediaID, MediaTypeAll); err != nil {
		c.teardown(ctx, userID, mediaID)
		return "", err
	}
	source.addSubscriber(mediaID)
	return mediaID, nil
}

// StopRecording tears the recorder session down.
func (c *Controller) StopRecording(ctx context.Context, userID domain.MCSUserID, recordingID domain.MediaID) error {
	return c.teardown(ctx, userID, recordingID)
}

// AddIceCandidate forwards a remote candidate to the session's element.
func (c *Controller) AddIceCandidate(ctx context.Context, mediaID domain.MediaID, candidate webrtc.ICECandidateInit) error {
	session, err := c.session(mediaID)
	if err != nil {
		return err
	}
	return session.AddIceCandidate(ctx, candidate)
}

// OnEvent registers interest in one event kind of one media session, flushing
// anything buffered for it.
func (c *Controller) OnEvent(kind EventKind, mediaID domain.MediaID, handler func(Event)) error {
	session, err := c.session(mediaID)
	if err != nil {
		return err
	}
	session.OnEvent(kind, handler)
	return nil
}

// DestroyRoom force-leaves every user and drops the room index entry.
func (c *Controller) DestroyRoom(ctx context.Context, roomID domain.VoiceBridge) error {
	c.mu.RLock()
	room, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if !ok {
		return ErrRoomNotFound
	}
	for _, user := range room.usersSnapshot() {
		if err := c.Leave(ctx, roomID, user.ID()); err != nil {
			log.Warn().Err(err).Str("module", "mcs.controller").Str("room", string(roomID)).Str("user_id", string(user.ID())).Msg("leave failed on room destroy")
		}
	}
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	log.Info().Str("module", "mcs.controller").Str("room", string(roomID)).Msg("room destroyed")
	return nil
}

// --- internals ---

func (c *Controller) resolveUser(roomID domain.VoiceBridge, userID domain.MCSUserID) (*Room, *User, error) {
	c.mu.RLock()
	room, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	user, ok := room.user(userID)
	if !ok {
		return nil, nil, ErrUserNotFound
	}
	return room, user, nil
}

func (c *Controller) session(id domain.MediaID) (*MediaSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.media[id]
	if !ok {
		return nil, ErrMediaNotFound
	}
	return session, nil
}

func (c *Controller) indexMedia(s *MediaSession) {
	c.mu.Lock()
	c.media[s.ID()] = s
	c.mu.Unlock()
}

// teardown stops one session and removes every reference to it: the owning
// user's map, the global index and other sessions' subscriber lists.
func (c *Controller) teardown(ctx context.Context, userID domain.MCSUserID, mediaID domain.MediaID) error {
	session, err := c.session(mediaID)
	if err != nil {
		return err
	}
	if session.User() != userID {
		return ErrUserNotFound
	}
	stopErr := session.Stop(ctx)

	c.mu.Lock()
	delete(c.media, mediaID)
	user, userOK := c.users[userID]
	c.mu.Unlock()
	if userOK {
		user.removeSession(mediaID)
	}
	c.scrubSubscribers([]domain.MediaID{mediaID})
	return stopErr
}

// scrubSubscribers removes dangling subscriber references to killed sessions.
func (c *Controller) scrubSubscribers(killed []domain.MediaID) {
	if len(killed) == 0 {
		return
	}
	c.mu.RLock()
	sessions := make([]*MediaSession, 0, len(c.media))
	for _, s := range c.media {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()
	for _, s := range sessions {
		for _, id := range killed {
			s.removeSubscriber(id)
		}
	}
}

// dispatch routes an adapter event to its session. Events for unknown media
// ids are dropped; the session was already torn down.
func (c *Controller) dispatch(ev Event) {
	c.mu.RLock()
	session, ok := c.media[ev.MediaID]
	c.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "mcs.controller").Str("media_id", string(ev.MediaID)).Msg("event for unknown media id dropped")
		return
	}
	session.handleEvent(ev)
}

func validKind(kind SessionKind) error {
	switch kind {
	case KindRTP, KindWebRTC, KindURI, KindRecorder:
		return nil
	default:
		return ErrMediaInvalidType
	}
}
