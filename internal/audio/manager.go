package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
)

func queueKey(room domain.VoiceBridge, connID domain.ConnectionID) string {
	return fmt.Sprintf("%s:%s", room, connID)
}

// ListenOnlyManager routes listen-only session-control messages to the shared
// per-room bridge providers. Start/stop/close for one (room, connection) run
// strictly in submission order through its lifecycle queue; ICE candidates
// and renegotiation answers bypass the queue.
type ListenOnlyManager struct {
	ctrl   *mcs.Controller
	gw     gateway.PubSub
	sender mcs.ClientSender
	opts   Options

	mu        sync.Mutex
	providers map[domain.VoiceBridge]*GlobalAudioProvider
	byMeeting map[domain.MeetingID]domain.VoiceBridge
	queues    map[string]*opQueue
	pending   map[string][]webrtc.ICECandidateInit
}

func NewListenOnlyManager(ctrl *mcs.Controller, gw gateway.PubSub, sender mcs.ClientSender, opts Options) *ListenOnlyManager {
	return &ListenOnlyManager{
		ctrl:      ctrl,
		gw:        gw,
		sender:    sender,
		opts:      opts,
		providers: make(map[domain.VoiceBridge]*GlobalAudioProvider),
		byMeeting: make(map[domain.MeetingID]domain.VoiceBridge),
		queues:    make(map[string]*opQueue),
		pending:   make(map[string][]webrtc.ICECandidateInit),
	}
}

func (m *ListenOnlyManager) queue(key string) *opQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = &opQueue{}
		m.queues[key] = q
	}
	return q
}

func (m *ListenOnlyManager) provider(room domain.VoiceBridge) (*GlobalAudioProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[room]
	return p, ok
}

// Has reports whether any provider tracks this connection.
func (m *ListenOnlyManager) Has(connID domain.ConnectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		if p.Has(connID) {
			return true
		}
	}
	return false
}

func (m *ListenOnlyManager) ensureProvider(meetingID domain.MeetingID, room domain.VoiceBridge) *GlobalAudioProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[room]
	if !ok {
		p = NewGlobalAudioProvider(m.ctrl, m.gw, m.sender, m.opts, meetingID, room)
		m.providers[room] = p
		m.byMeeting[meetingID] = room
	}
	return p
}

// takePending removes and returns the candidates pre-queued for a
// (room, connection) pair.
func (m *ListenOnlyManager) takePending(key string) []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.pending[key]
	delete(m.pending, key)
	return cs
}

// HandleStart enqueues the listener join. The provider is created eagerly so
// candidates arriving while the start is still queued find their home, and
// any candidates pre-queued before this start transfer into it first.
func (m *ListenOnlyManager) HandleStart(ctx context.Context, req *domain.StartRequest) {
	key := queueKey(req.Room(), req.Conn())
	p := m.ensureProvider(req.InternalMeetingID, req.Room())

	for _, c := range m.takePending(key) {
		if err := p.OnIceCandidate(ctx, req.Conn(), c); err != nil {
			log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("pending candidate transfer failed")
		}
	}

	m.queue(key).push(func() {
		// Resolve again at execution time: a meeting-wide disconnect may have
		// torn down the provider this start was enqueued against.
		p := m.ensureProvider(req.InternalMeetingID, req.Room())
		if err := p.Start(ctx, req); err != nil {
			m.classifyFailure(ctx, p, req.Conn(), err)
		}
	})
}

// classifyFailure applies the session-wide vs listener-scoped error policy: a
// bridge failure tears the whole session down, anything else only the
// offending connection.
func (m *ListenOnlyManager) classifyFailure(ctx context.Context, p *GlobalAudioProvider, connID domain.ConnectionID, err error) {
	norm := mcs.Normalize(err)
	if norm.Code == mcs.CodeGlobalAudioFailed {
		log.Error().Err(err).Str("module", "audio.manager").Str("room", string(p.Room())).Msg("session-wide audio failure")
		p.StopAll(ctx)
		m.removeProvider(p.Room())
		return
	}
	if stopErr := p.StopListener(ctx, connID); stopErr != nil {
		log.Warn().Err(stopErr).Str("module", "audio.manager").Str("conn", string(connID)).Msg("listener stop after failure")
	}
	m.prune(queueKey(p.Room(), connID))
}

// HandleStop enqueues a listener stop.
func (m *ListenOnlyManager) HandleStop(ctx context.Context, room domain.VoiceBridge, connID domain.ConnectionID) {
	p, ok := m.provider(room)
	if !ok {
		return
	}
	key := queueKey(room, connID)
	m.queue(key).push(func() {
		if err := p.StopListener(ctx, connID); err != nil {
			log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(connID)).Msg("listener stop failed")
		}
		m.prune(key)
	})
}

// HandleIceCandidate applies a candidate directly against the provider, or
// pre-queues it when no provider exists for the room yet.
func (m *ListenOnlyManager) HandleIceCandidate(ctx context.Context, req *domain.IceCandidateRequest) {
	p, ok := m.provider(req.Room())
	if !ok {
		key := queueKey(req.Room(), req.Conn())
		m.mu.Lock()
		m.pending[key] = append(m.pending[key], req.Candidate)
		m.mu.Unlock()
		return
	}
	if err := p.OnIceCandidate(ctx, req.Conn(), req.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("ice candidate failed")
	}
}

// HandleSubscriberAnswer applies a renegotiation answer, bypassing the queue.
func (m *ListenOnlyManager) HandleSubscriberAnswer(ctx context.Context, req *domain.SubscriberAnswerRequest) {
	p, ok := m.provider(req.Room())
	if !ok {
		return
	}
	if err := p.SubscriberAnswer(ctx, req.Conn(), req.SDPOffer); err != nil {
		log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("subscriber answer failed")
	}
}

// DisconnectAll stops the whole session of a meeting.
func (m *ListenOnlyManager) DisconnectAll(ctx context.Context, meetingID domain.MeetingID) {
	m.mu.Lock()
	room, ok := m.byMeeting[meetingID]
	m.mu.Unlock()
	if !ok {
		return
	}
	p, ok := m.provider(room)
	if !ok {
		return
	}
	log.Info().Str("module", "audio.manager").Str("meeting", string(meetingID)).Str("room", string(room)).Msg("disconnect all listeners")
	p.StopAll(ctx)
	m.removeProvider(room)
}

// UserLeft closes just the departed user's listeners, when ejection is on.
func (m *ListenOnlyManager) UserLeft(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) {
	if !m.opts.EjectOnUserLeft {
		return
	}
	m.mu.Lock()
	room, ok := m.byMeeting[meetingID]
	m.mu.Unlock()
	if !ok {
		return
	}
	p, ok := m.provider(room)
	if !ok {
		return
	}
	for _, connID := range p.ConnectionsOf(userID) {
		connID := connID
		key := queueKey(room, connID)
		m.queue(key).push(func() {
			if err := p.StopListener(ctx, connID); err != nil {
				log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(connID)).Msg("eject stop failed")
			}
			m.sender.Send(connID, domain.NewCloseMessage(connID))
			m.prune(key)
		})
	}
}

func (m *ListenOnlyManager) removeProvider(room domain.VoiceBridge) {
	prefix := string(room) + ":"
	m.mu.Lock()
	if p, ok := m.providers[room]; ok {
		delete(m.byMeeting, p.Meeting())
	}
	delete(m.providers, room)
	for key := range m.pending {
		if strings.HasPrefix(key, prefix) {
			delete(m.pending, key)
		}
	}
	for key, q := range m.queues {
		if strings.HasPrefix(key, prefix) && q.empty() {
			delete(m.queues, key)
		}
	}
	m.mu.Unlock()
}

// prune drops the lifecycle queue and pending-candidate entries of a departed
// connection. A queue with a backlog survives until that backlog runs.
func (m *ListenOnlyManager) prune(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok && q.empty() {
		delete(m.queues, key)
	}
	delete(m.pending, key)
}

// FullAudioManager routes sendrecv session-control messages to per-connection
// duplex providers.
type FullAudioManager struct {
	ctrl   *mcs.Controller
	gw     gateway.PubSub
	sender mcs.ClientSender
	opts   Options

	mu        sync.Mutex
	providers map[domain.ConnectionID]*FullAudioProvider
	queues    map[string]*opQueue
	pending   map[string][]webrtc.ICECandidateInit
}

func NewFullAudioManager(ctrl *mcs.Controller, gw gateway.PubSub, sender mcs.ClientSender, opts Options) *FullAudioManager {
	return &FullAudioManager{
		ctrl:      ctrl,
		gw:        gw,
		sender:    sender,
		opts:      opts,
		providers: make(map[domain.ConnectionID]*FullAudioProvider),
		queues:    make(map[string]*opQueue),
		pending:   make(map[string][]webrtc.ICECandidateInit),
	}
}

func (m *FullAudioManager) queue(key string) *opQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = &opQueue{}
		m.queues[key] = q
	}
	return q
}

func (m *FullAudioManager) provider(connID domain.ConnectionID) (*FullAudioProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[connID]
	return p, ok
}

func (m *FullAudioManager) Has(connID domain.ConnectionID) bool {
	_, ok := m.provider(connID)
	return ok
}

func (m *FullAudioManager) ensureProvider(req *domain.StartRequest) *FullAudioProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[req.Conn()]
	if !ok {
		p = NewFullAudioProvider(m.ctrl, m.gw, m.sender, m.opts, req)
		m.providers[req.Conn()] = p
	}
	return p
}

// adoptPending takes over candidates that were parked before the connection's
// role was known and queues them ahead of any later arrivals.
func (m *FullAudioManager) adoptPending(key string, cs []webrtc.ICECandidateInit) {
	if len(cs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key] = append(cs, m.pending[key]...)
}

func (m *FullAudioManager) HandleStart(ctx context.Context, req *domain.StartRequest) {
	key := queueKey(req.Room(), req.Conn())
	p := m.ensureProvider(req)

	m.mu.Lock()
	pending := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()

	for _, c := range pending {
		if err := p.OnIceCandidate(ctx, c); err != nil {
			log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("pending candidate transfer failed")
		}
	}

	m.queue(key).push(func() {
		p := m.ensureProvider(req)
		if err := p.Start(ctx, req); err != nil {
			log.Error().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("full audio start failed")
			m.remove(req.Conn())
			m.prune(key)
		}
	})
}

func (m *FullAudioManager) HandleStop(ctx context.Context, room domain.VoiceBridge, connID domain.ConnectionID) {
	p, ok := m.provider(connID)
	if !ok {
		return
	}
	key := queueKey(room, connID)
	m.queue(key).push(func() {
		if err := p.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(connID)).Msg("full audio stop failed")
		}
		m.remove(connID)
		m.prune(key)
	})
}

func (m *FullAudioManager) HandleIceCandidate(ctx context.Context, req *domain.IceCandidateRequest) {
	p, ok := m.provider(req.Conn())
	if !ok {
		key := queueKey(req.Room(), req.Conn())
		m.mu.Lock()
		m.pending[key] = append(m.pending[key], req.Candidate)
		m.mu.Unlock()
		return
	}
	if err := p.OnIceCandidate(ctx, req.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("ice candidate failed")
	}
}

func (m *FullAudioManager) HandleSubscriberAnswer(ctx context.Context, req *domain.SubscriberAnswerRequest) {
	p, ok := m.provider(req.Conn())
	if !ok {
		return
	}
	if err := p.SubscriberAnswer(ctx, req.SDPOffer); err != nil {
		log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(req.Conn())).Msg("subscriber answer failed")
	}
}

// DisconnectAll stops every duplex bridge of a meeting.
func (m *FullAudioManager) DisconnectAll(ctx context.Context, meetingID domain.MeetingID) {
	for _, p := range m.snapshot() {
		if p.Meeting() != meetingID {
			continue
		}
		p := p
		key := queueKey(p.Room(), p.Conn())
		m.queue(key).push(func() {
			if err := p.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(p.Conn())).Msg("disconnect-all stop failed")
			}
			m.sender.Send(p.Conn(), domain.NewCloseMessage(p.Conn()))
			m.remove(p.Conn())
			m.prune(key)
		})
	}
}

func (m *FullAudioManager) UserLeft(ctx context.Context, meetingID domain.MeetingID, userID domain.UserID) {
	if !m.opts.EjectOnUserLeft {
		return
	}
	for _, p := range m.snapshot() {
		if p.Meeting() != meetingID || p.User() != userID {
			continue
		}
		p := p
		key := queueKey(p.Room(), p.Conn())
		m.queue(key).push(func() {
			if err := p.Stop(ctx); err != nil {
				log.Warn().Err(err).Str("module", "audio.manager").Str("conn", string(p.Conn())).Msg("eject stop failed")
			}
			m.sender.Send(p.Conn(), domain.NewCloseMessage(p.Conn()))
			m.remove(p.Conn())
			m.prune(key)
		})
	}
}

func (m *FullAudioManager) snapshot() []*FullAudioProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FullAudioProvider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, p)
	}
	return out
}

func (m *FullAudioManager) remove(connID domain.ConnectionID) {
	m.mu.Lock()
	delete(m.providers, connID)
	m.mu.Unlock()
}

// prune drops the lifecycle queue and pending-candidate entries of a departed
// connection. A queue with a backlog survives until that backlog runs.
func (m *FullAudioManager) prune(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok && q.empty() {
		delete(m.queues, key)
	}
	delete(m.pending, key)
}

// VoiceJoined relays the voice-conference join confirmation to the matching
// duplex bridges of the user.
func (m *FullAudioManager) VoiceJoined(room domain.VoiceBridge, userID domain.UserID) {
	for _, p := range m.snapshot() {
		if p.Room() == room && p.User() == userID {
			p.VoiceJoined()
		}
	}
}

// AudioManager is the umbrella router: it picks the variant by role for
// starts, by connection ownership for everything else, and fans the
// meeting-wide control-plane events out to both variants.
type AudioManager struct {
	ListenOnly *ListenOnlyManager
	FullAudio  *FullAudioManager
}

func NewAudioManager(ctrl *mcs.Controller, gw gateway.PubSub, sender mcs.ClientSender, opts Options) *AudioManager {
	return &AudioManager{
		ListenOnly: NewListenOnlyManager(ctrl, gw, sender, opts),
		FullAudio:  NewFullAudioManager(ctrl, gw, sender, opts),
	}
}

// Handle dispatches one decoded inbound message.
func (a *AudioManager) Handle(ctx context.Context, req domain.Request) {
	switch r := req.(type) {
	case *domain.StartRequest:
		if r.Role == domain.RoleSendRecv {
			// Candidates that raced ahead of the start were parked on the
			// listen-only side before the connection's role was known.
			key := queueKey(r.Room(), r.Conn())
			a.FullAudio.adoptPending(key, a.ListenOnly.takePending(key))
			a.FullAudio.HandleStart(ctx, r)
		} else {
			a.ListenOnly.HandleStart(ctx, r)
		}
	case *domain.StopRequest:
		a.routeStop(ctx, r.Room(), r.Conn())
	case *domain.CloseRequest:
		a.routeStop(ctx, r.Room(), r.Conn())
	case *domain.IceCandidateRequest:
		if a.FullAudio.Has(r.Conn()) {
			a.FullAudio.HandleIceCandidate(ctx, r)
		} else {
			a.ListenOnly.HandleIceCandidate(ctx, r)
		}
	case *domain.SubscriberAnswerRequest:
		if a.FullAudio.Has(r.Conn()) {
			a.FullAudio.HandleSubscriberAnswer(ctx, r)
		} else {
			a.ListenOnly.HandleSubscriberAnswer(ctx, r)
		}
	default:
		log.Warn().Str("module", "audio.manager").Str("id", req.MsgID()).Msg("unhandled message")
	}
}

func (a *AudioManager) routeStop(ctx context.Context, room domain.VoiceBridge, connID domain.ConnectionID) {
	if a.FullAudio.Has(connID) {
		a.FullAudio.HandleStop(ctx, room, connID)
		return
	}
	a.ListenOnly.HandleStop(ctx, room, connID)
}

// ListenEvents subscribes to the meeting control-plane and applies the
// meeting-wide teardown triggers. Returns the unsubscribe func.
func (a *AudioManager) ListenEvents(ctx context.Context, gw gateway.PubSub) (func(), error) {
	return gw.Subscribe(ctx, gateway.ToSFUChannel, func(payload []byte) {
		var env struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warn().Err(err).Str("module", "audio.manager").Msg("bad control event")
			return
		}
		switch env.Name {
		case domain.EvDisconnectAllUsers:
			ev, err := gateway.Decode[domain.DisconnectAllUsersEvent](payload)
			if err != nil {
				return
			}
			a.ListenOnly.DisconnectAll(ctx, ev.InternalMeetingID)
			a.FullAudio.DisconnectAll(ctx, ev.InternalMeetingID)
		case domain.EvUserLeftMeeting:
			ev, err := gateway.Decode[domain.UserLeftMeetingEvent](payload)
			if err != nil {
				return
			}
			a.ListenOnly.UserLeft(ctx, ev.InternalMeetingID, ev.UserID)
			a.FullAudio.UserLeft(ctx, ev.InternalMeetingID, ev.UserID)
		case domain.EvUserJoinedVoiceConf:
			ev, err := gateway.Decode[domain.UserJoinedVoiceConfEvent](payload)
			if err != nil {
				return
			}
			a.FullAudio.VoiceJoined(ev.VoiceBridge, ev.UserID)
		}
	})
}
