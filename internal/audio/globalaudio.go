package audio

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
)

type endpoint struct {
	mcsUserID domain.MCSUserID
	mediaID   domain.MediaID
}

type connectedUser struct {
	userID    domain.UserID
	userName  string
	mcsUserID domain.MCSUserID
	connected bool
}

// GlobalAudioProvider orchestrates the shared listen-only bridge of one room:
// a single relay media session multiplexing the origin audio source to every
// WebRTC listener. Exactly one bridge startup runs per room at a time;
// concurrent joiners await its outcome without re-entering startup.
type GlobalAudioProvider struct {
	base
	room      domain.VoiceBridge
	meetingID domain.MeetingID

	flights singleflight.Group

	mu           sync.Mutex
	status       domain.BridgeStatus
	bridgeUser   domain.MCSUserID
	sourceAudio  domain.MediaID // relay endpoint shared by every listener
	sourceOrigin domain.MediaID
	users        map[domain.ConnectionID]*connectedUser
	endpoints    map[domain.ConnectionID]endpoint
	candidates   map[domain.ConnectionID][]webrtc.ICECandidateInit
	supervisors  map[domain.ConnectionID]*supervisor
	flowing      map[domain.ConnectionID]bool
}

func NewGlobalAudioProvider(ctrl *mcs.Controller, gw gateway.PubSub, sender mcs.ClientSender, opts Options, meetingID domain.MeetingID, room domain.VoiceBridge) *GlobalAudioProvider {
	return &GlobalAudioProvider{
		base:        base{ctrl: ctrl, gw: gw, sender: sender, opts: opts},
		room:        room,
		meetingID:   meetingID,
		status:      domain.MediaStopped,
		users:       make(map[domain.ConnectionID]*connectedUser),
		endpoints:   make(map[domain.ConnectionID]endpoint),
		candidates:  make(map[domain.ConnectionID][]webrtc.ICECandidateInit),
		supervisors: make(map[domain.ConnectionID]*supervisor),
		flowing:     make(map[domain.ConnectionID]bool),
	}
}

func (p *GlobalAudioProvider) Room() domain.VoiceBridge  { return p.room }
func (p *GlobalAudioProvider) Meeting() domain.MeetingID { return p.meetingID }

func (p *GlobalAudioProvider) BridgeStatus() domain.BridgeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *GlobalAudioProvider) setStatus(s domain.BridgeStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
	log.Info().Str("module", "audio.global").Str("room", string(p.room)).Str("status", string(s)).Msg("bridge status")
}

// Has reports whether the connection has a tracked listener entry.
func (p *GlobalAudioProvider) Has(connID domain.ConnectionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.users[connID]
	return ok
}

// ConnectionsOf lists the connections of one application user.
func (p *GlobalAudioProvider) ConnectionsOf(userID domain.UserID) []domain.ConnectionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ConnectionID
	for connID, u := range p.users {
		if u.userID == userID {
			out = append(out, connID)
		}
	}
	return out
}

// Start runs the whole listener join protocol: health gate, permission probe,
// shared bridge wait, per-listener subscribe. Every failure path guarantees
// the client receives an error message; a bridge failure is reported with the
// session-wide code so the manager tears the whole session down.
func (p *GlobalAudioProvider) Start(ctx context.Context, req *domain.StartRequest) error {
	connID := req.Conn()

	if !p.ctrl.WaitForConnection() {
		p.sendError(connID, req.Role, string(p.room), mcs.ErrMediaServerOffline)
		return mcs.ErrMediaServerOffline
	}

	if err := p.checkPermission(ctx, req.InternalMeetingID, p.room, req.UserID, string(connID)); err != nil {
		p.sendError(connID, req.Role, string(p.room), err)
		return err
	}

	p.mu.Lock()
	p.users[connID] = &connectedUser{userID: req.UserID, userName: req.UserName}
	p.mu.Unlock()

	if err := p.waitForGlobalAudio(ctx); err != nil {
		p.mu.Lock()
		delete(p.users, connID)
		delete(p.candidates, connID)
		p.mu.Unlock()
		p.sendError(connID, req.Role, string(p.room), err)
		return err
	}

	answer, err := p.subscribeToGlobalAudio(ctx, req)
	if err != nil {
		p.sendError(connID, req.Role, string(p.room), err)
		return err
	}

	p.sender.Send(connID, domain.NewStartResponse(connID, answer))
	p.notifyGlobalAudio(ctx, domain.EvUserConnectedToGlobalAudio, p.room, req.UserID, req.UserName)
	return nil
}

// waitForGlobalAudio resolves once the shared bridge is started. Three cases:
// already started, proceed; stopped, this caller initiates startup; starting,
// join the in-flight startup. The wait is raced against the connection
// timeout; a waiter's timeout never cancels the startup itself.
func (p *GlobalAudioProvider) waitForGlobalAudio(ctx context.Context) error {
	if p.BridgeStatus() == domain.MediaStarted {
		return nil
	}

	ch := p.flights.DoChan(string(p.room), func() (any, error) {
		if p.BridgeStatus() == domain.MediaStarted {
			return nil, nil
		}
		return nil, p.startGlobalAudioBridge()
	})

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectionTimeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			return mcs.ErrGlobalAudioFailed
		}
		return nil
	case <-waitCtx.Done():
		log.Warn().Str("module", "audio.global").Str("room", string(p.room)).Msg("bridge wait timed out")
		return mcs.ErrMediaServerReqTimeout
	}
}

// startGlobalAudioBridge runs the three-way SDP relay handshake:
//
//  1. join the media room as the synthetic bridge user
//  2. publish the relay endpoint on the client-facing adapter, no offer yet,
//     obtaining the relay's offer
//  3. publish the source endpoint on the origin adapter with that offer,
//     obtaining the origin's answer
//  4. renegotiate the relay endpoint with the origin's answer
//
// Startup runs on its own context so no individual waiter's timeout can
// cancel it. Any failure rolls the partial resources back and leaves the
// bridge MEDIA_STOPPED so a later join can retry.
func (p *GlobalAudioProvider) startGlobalAudioBridge() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectionTimeout)
	defer cancel()

	p.setStatus(domain.MediaStarting)
	bridgeName := domain.GlobalAudioPrefix + string(p.room)

	userID, err := p.ctrl.Join(ctx, p.room, mcs.UserSFU, mcs.JoinParams{Name: bridgeName})
	if err != nil {
		return p.failBridge(ctx, err)
	}
	p.mu.Lock()
	p.bridgeUser = userID
	p.mu.Unlock()

	relayID, relayOffer, err := p.ctrl.Publish(ctx, userID, p.room, mcs.ElementParams{
		Kind:        mcs.KindRTP,
		MediaType:   mcs.MediaTypeAudio,
		MediaServer: p.opts.ClientMediaServer,
		Name:        bridgeName,
	})
	if err != nil {
		return p.failBridge(ctx, err)
	}
	p.mu.Lock()
	p.sourceAudio = relayID
	p.mu.Unlock()

	originID, originAnswer, err := p.ctrl.Publish(ctx, userID, p.room, mcs.ElementParams{
		Kind:        mcs.KindRTP,
		MediaType:   mcs.MediaTypeAudio,
		Descriptor:  relayOffer,
		MediaServer: p.opts.OriginMediaServer,
		Name:        bridgeName,
	})
	if err != nil {
		return p.failBridge(ctx, err)
	}
	p.mu.Lock()
	p.sourceOrigin = originID
	p.mu.Unlock()

	if _, _, err := p.ctrl.Publish(ctx, userID, p.room, mcs.ElementParams{
		Kind:        mcs.KindRTP,
		MediaType:   mcs.MediaTypeAudio,
		MediaID:     relayID,
		Descriptor:  originAnswer,
		MediaServer: p.opts.ClientMediaServer,
	}); err != nil {
		return p.failBridge(ctx, err)
	}

	p.setStatus(domain.MediaStarted)
	return nil
}

// failBridge flags the negotiation failure, rolls partial resources back and
// surfaces the original error.
func (p *GlobalAudioProvider) failBridge(ctx context.Context, cause error) error {
	log.Error().Err(cause).Str("module", "audio.global").Str("room", string(p.room)).Msg("bridge startup failed")
	p.setStatus(domain.MediaNegotiationFailed)
	p.stopSourceAudio(ctx)
	return cause
}

// stopSourceAudio releases the shared bridge: best-effort, rollback failures
// are logged and swallowed so the original error is what surfaces.
func (p *GlobalAudioProvider) stopSourceAudio(ctx context.Context) {
	p.mu.Lock()
	userID := p.bridgeUser
	p.bridgeUser = ""
	p.sourceAudio = ""
	p.sourceOrigin = ""
	p.mu.Unlock()

	if userID != "" {
		// Leave cascades stop to the relay and origin sessions.
		if err := p.ctrl.Leave(ctx, p.room, userID); err != nil {
			log.Warn().Err(err).Str("module", "audio.global").Str("room", string(p.room)).Msg("bridge user leave failed")
		}
	}
	p.setStatus(domain.MediaStopped)
}

// subscribeToGlobalAudio joins the listener's own mcs user and subscribes it
// to the shared relay session. Failure triggers a targeted rollback: the
// listener entry is removed and a disconnect notification emitted, but the
// shared bridge is left alone; other listeners may be using it.
func (p *GlobalAudioProvider) subscribeToGlobalAudio(ctx context.Context, req *domain.StartRequest) (string, error) {
	connID := req.Conn()

	p.mu.Lock()
	source := p.sourceAudio
	p.mu.Unlock()
	if source == "" {
		return "", mcs.ErrMediaNotFound
	}

	mcsUserID, err := p.ctrl.Join(ctx, p.room, mcs.UserSFU, mcs.JoinParams{Name: req.UserName})
	if err != nil {
		p.rollbackListener(ctx, connID, "")
		return "", err
	}

	mediaID, answer, err := p.ctrl.Subscribe(ctx, mcsUserID, source, mcs.ElementParams{
		Kind:        mcs.KindWebRTC,
		MediaType:   mcs.MediaTypeAudio,
		Descriptor:  req.SDPOffer,
		MediaServer: p.opts.ClientMediaServer,
		Name:        req.UserName,
	})
	if err != nil {
		p.rollbackListener(ctx, connID, mcsUserID)
		return "", err
	}

	sup := newSupervisor(p.opts.FlowTimeout, p.opts.StateTimeout, func() {
		p.sender.Send(connID, domain.NewWebRTCAudioError(connID, mcs.CodeMediaFlowTimeout, "Media flow timeout"))
	})

	if err := p.ctrl.OnEvent(mcs.EventMediaState, mediaID, func(ev mcs.Event) {
		p.onMediaState(connID, ev)
	}); err != nil {
		log.Warn().Err(err).Str("module", "audio.global").Str("media_id", string(mediaID)).Msg("media-state subscription failed")
	}
	if err := p.ctrl.OnEvent(mcs.EventIceCandidate, mediaID, func(ev mcs.Event) {
		if ev.Candidate != nil {
			p.sender.Send(connID, domain.NewIceCandidateMessage(connID, *ev.Candidate))
		}
	}); err != nil {
		log.Warn().Err(err).Str("module", "audio.global").Str("media_id", string(mediaID)).Msg("ice subscription failed")
	}

	// Commit the endpoint and flush queued candidates under one critical
	// section: a candidate is queued iff the endpoint is not yet visible,
	// and everything queued drains before any direct forward.
	p.mu.Lock()
	if u, ok := p.users[connID]; ok {
		u.mcsUserID = mcsUserID
		u.connected = true
	}
	queued := p.candidates[connID]
	delete(p.candidates, connID)
	for _, c := range queued {
		if err := p.ctrl.AddIceCandidate(ctx, mediaID, c); err != nil {
			log.Warn().Err(err).Str("module", "audio.global").Str("media_id", string(mediaID)).Msg("queued candidate flush failed")
		}
	}
	p.endpoints[connID] = endpoint{mcsUserID: mcsUserID, mediaID: mediaID}
	p.supervisors[connID] = sup
	p.mu.Unlock()

	log.Info().Str("module", "audio.global").Str("room", string(p.room)).Str("conn", string(connID)).Str("media_id", string(mediaID)).Msg("listener subscribed")
	return answer, nil
}

// rollbackListener undoes a failed listener join: notification, user record
// removal, and the listener's mcs user if it was joined.
func (p *GlobalAudioProvider) rollbackListener(ctx context.Context, connID domain.ConnectionID, mcsUserID domain.MCSUserID) {
	p.mu.Lock()
	u := p.users[connID]
	delete(p.users, connID)
	delete(p.candidates, connID)
	p.mu.Unlock()

	if u != nil {
		p.notifyGlobalAudio(ctx, domain.EvUserDisconnectedFromGlobalAudio, p.room, u.userID, u.userName)
	}
	if mcsUserID != "" {
		if err := p.ctrl.Leave(ctx, p.room, mcsUserID); err != nil {
			log.Warn().Err(err).Str("module", "audio.global").Str("conn", string(connID)).Msg("listener rollback leave failed")
		}
	}
}

// OnIceCandidate forwards a remote candidate, queuing it while the listener's
// endpoint does not exist yet. Queued candidates keep arrival order.
func (p *GlobalAudioProvider) OnIceCandidate(ctx context.Context, connID domain.ConnectionID, c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[connID]
	if !ok {
		p.candidates[connID] = append(p.candidates[connID], c)
		return nil
	}
	return p.ctrl.AddIceCandidate(ctx, ep.mediaID, c)
}

// SubscriberAnswer applies a renegotiation answer on the listener's endpoint.
func (p *GlobalAudioProvider) SubscriberAnswer(ctx context.Context, connID domain.ConnectionID, descriptor string) error {
	p.mu.Lock()
	ep, ok := p.endpoints[connID]
	p.mu.Unlock()
	if !ok {
		return mcs.ErrMediaNotFound
	}
	_, _, err := p.ctrl.Publish(ctx, ep.mcsUserID, p.room, mcs.ElementParams{
		Kind:        mcs.KindWebRTC,
		MediaType:   mcs.MediaTypeAudio,
		MediaID:     ep.mediaID,
		Descriptor:  descriptor,
		MediaServer: p.opts.ClientMediaServer,
	})
	return err
}

func (p *GlobalAudioProvider) onMediaState(connID domain.ConnectionID, ev mcs.Event) {
	p.mu.Lock()
	sup := p.supervisors[connID]
	p.mu.Unlock()

	switch ev.State {
	case mcs.StateFlowing:
		if sup != nil {
			sup.clearFlow()
		}
		p.mu.Lock()
		first := !p.flowing[connID]
		p.flowing[connID] = true
		p.mu.Unlock()
		if first {
			p.sender.Send(connID, domain.NewWebRTCAudioSuccess(connID, "MEDIA_FLOWING"))
		}
	case mcs.StateNotFlowing:
		if sup != nil {
			sup.armFlow()
		}
	case mcs.StateConnected:
		if sup != nil {
			sup.clearState()
		}
	case mcs.StateDisconnected:
		if sup != nil {
			sup.armState()
		}
	}
}

// detach removes one listener from the membership set and reports whether it
// was the last one. Last-listener detection is this explicit operation, not a
// caller-side map length check.
func (p *GlobalAudioProvider) detach(connID domain.ConnectionID) (endpoint, *connectedUser, *supervisor, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[connID]
	u := p.users[connID]
	sup := p.supervisors[connID]
	delete(p.endpoints, connID)
	delete(p.users, connID)
	delete(p.candidates, connID)
	delete(p.supervisors, connID)
	delete(p.flowing, connID)
	last := ok && len(p.endpoints) == 0
	return ep, u, sup, last, ok
}

// StopListener tears one listener down. Timers are cleared first so nothing
// fires against the torn-down session; the shared bridge is released only
// when this was the last attached listener.
func (p *GlobalAudioProvider) StopListener(ctx context.Context, connID domain.ConnectionID) error {
	ep, u, sup, last, ok := p.detach(connID)
	if sup != nil {
		sup.stop()
	}
	if !ok {
		return nil
	}

	if err := p.ctrl.Unsubscribe(ctx, ep.mcsUserID, ep.mediaID); err != nil {
		log.Warn().Err(err).Str("module", "audio.global").Str("conn", string(connID)).Msg("unsubscribe failed on stop")
	}
	if err := p.ctrl.Leave(ctx, p.room, ep.mcsUserID); err != nil {
		log.Warn().Err(err).Str("module", "audio.global").Str("conn", string(connID)).Msg("listener leave failed on stop")
	}
	if u != nil {
		p.notifyGlobalAudio(ctx, domain.EvUserDisconnectedFromGlobalAudio, p.room, u.userID, u.userName)
	}

	if last {
		log.Info().Str("module", "audio.global").Str("room", string(p.room)).Msg("last listener stopped, releasing bridge")
		p.stopSourceAudio(ctx)
	}
	return nil
}

// StopAll tears every listener down, tolerating individual failures, then
// makes sure the shared bridge is released.
func (p *GlobalAudioProvider) StopAll(ctx context.Context) {
	p.mu.Lock()
	conns := make([]domain.ConnectionID, 0, len(p.users))
	for connID := range p.users {
		conns = append(conns, connID)
	}
	p.mu.Unlock()

	for _, connID := range conns {
		if err := p.StopListener(ctx, connID); err != nil {
			log.Warn().Err(err).Str("module", "audio.global").Str("conn", string(connID)).Msg("listener stop failed on session teardown")
		}
		p.sender.Send(connID, domain.NewCloseMessage(connID))
	}

	if p.BridgeStatus() != domain.MediaStopped {
		p.stopSourceAudio(ctx)
	}
}
