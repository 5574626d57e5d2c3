package audio

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
)

// FullAudioProvider orchestrates one full-duplex "calling" bridge, keyed per
// connection rather than per room: a client-facing WebRTC leg and an origin
// leg linked both ways. The recvonly role never reaches this provider; the
// manager routes it to the shared listen-only bridge instead.
type FullAudioProvider struct {
	base
	connID    domain.ConnectionID
	room      domain.VoiceBridge
	meetingID domain.MeetingID
	userID    domain.UserID
	userName  string

	mu            sync.Mutex
	mcsUserID     domain.MCSUserID
	clientMediaID domain.MediaID
	originMediaID domain.MediaID
	candidates    []webrtc.ICECandidateInit
	sup           *supervisor
	flowing       bool
	joined        bool
	started       bool
}

func NewFullAudioProvider(ctrl *mcs.Controller, gw gateway.PubSub, sender mcs.ClientSender, opts Options, req *domain.StartRequest) *FullAudioProvider {
	return &FullAudioProvider{
		base:      base{ctrl: ctrl, gw: gw, sender: sender, opts: opts},
		connID:    req.Conn(),
		room:      req.Room(),
		meetingID: req.InternalMeetingID,
		userID:    req.UserID,
		userName:  req.UserName,
	}
}

func (p *FullAudioProvider) Conn() domain.ConnectionID { return p.connID }
func (p *FullAudioProvider) Room() domain.VoiceBridge  { return p.room }
func (p *FullAudioProvider) Meeting() domain.MeetingID { return p.meetingID }
func (p *FullAudioProvider) User() domain.UserID       { return p.userID }

// Start negotiates the per-connection duplex bridge: join, publish the client
// WebRTC leg against the caller's offer, publish the origin leg, then link
// both directions. Any failure rolls the proxy endpoints back.
func (p *FullAudioProvider) Start(ctx context.Context, req *domain.StartRequest) error {
	connID := req.Conn()

	if !p.ctrl.WaitForConnection() {
		p.sendError(connID, domain.RoleSendRecv, string(p.room), mcs.ErrMediaServerOffline)
		return mcs.ErrMediaServerOffline
	}
	if err := p.checkPermission(ctx, req.InternalMeetingID, p.room, req.UserID, string(connID)); err != nil {
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}

	callName := req.CaleeName
	if callName == "" {
		callName = req.UserName
	}

	mcsUserID, err := p.ctrl.Join(ctx, p.room, mcs.UserSFU, mcs.JoinParams{Name: callName})
	if err != nil {
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}
	p.mu.Lock()
	p.mcsUserID = mcsUserID
	p.mu.Unlock()

	clientID, sdpAnswer, err := p.ctrl.Publish(ctx, mcsUserID, p.room, mcs.ElementParams{
		Kind:        mcs.KindWebRTC,
		MediaType:   mcs.MediaTypeAudio,
		Descriptor:  req.SDPOffer,
		MediaServer: p.opts.ClientMediaServer,
		Name:        callName,
	})
	if err != nil {
		p.stopProxyEndpoints(ctx)
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}
	p.mu.Lock()
	p.clientMediaID = clientID
	p.mu.Unlock()

	originID, _, err := p.ctrl.Publish(ctx, mcsUserID, p.room, mcs.ElementParams{
		Kind:        mcs.KindRTP,
		MediaType:   mcs.MediaTypeAudio,
		MediaServer: p.opts.OriginMediaServer,
		Name:        callName,
	})
	if err != nil {
		p.stopProxyEndpoints(ctx)
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}
	p.mu.Lock()
	p.originMediaID = originID
	p.mu.Unlock()

	if err := p.ctrl.Connect(ctx, clientID, originID, mcs.MediaTypeAudio); err != nil {
		p.stopProxyEndpoints(ctx)
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}
	if err := p.ctrl.Connect(ctx, originID, clientID, mcs.MediaTypeAudio); err != nil {
		p.stopProxyEndpoints(ctx)
		p.sendError(connID, domain.RoleSendRecv, string(p.room), err)
		return err
	}

	if p.opts.RecordingsDir != "" && p.checkRecording(ctx, req.InternalMeetingID) {
		path := filepath.Join(p.opts.RecordingsDir, fmt.Sprintf("%s-%s.webm", p.room, connID))
		recID, recErr := p.ctrl.StartRecording(ctx, mcsUserID, clientID, path)
		if recErr != nil {
			// Recording is an accessory concern: the call stays up.
			log.Warn().Err(recErr).Str("module", "audio.full").Str("conn", string(connID)).Msg("recording start failed")
		} else {
			// Torn down with the rest of the proxy: the recorder is owned by
			// the same mcs user, so the leave cascade stops it.
			log.Info().Str("module", "audio.full").Str("conn", string(connID)).Str("media_id", string(recID)).Msg("recording started")
		}
	}

	sup := newSupervisor(p.opts.FlowTimeout, p.opts.StateTimeout, func() {
		p.sender.Send(connID, domain.NewWebRTCAudioError(connID, mcs.CodeMediaFlowTimeout, "Media flow timeout"))
	})
	if err := p.ctrl.OnEvent(mcs.EventMediaState, clientID, p.onMediaState); err != nil {
		log.Warn().Err(err).Str("module", "audio.full").Str("media_id", string(clientID)).Msg("media-state subscription failed")
	}
	if err := p.ctrl.OnEvent(mcs.EventIceCandidate, clientID, func(ev mcs.Event) {
		if ev.Candidate != nil {
			p.sender.Send(connID, domain.NewIceCandidateMessage(connID, *ev.Candidate))
		}
	}); err != nil {
		log.Warn().Err(err).Str("module", "audio.full").Str("media_id", string(clientID)).Msg("ice subscription failed")
	}

	p.mu.Lock()
	p.sup = sup
	p.started = true
	queued := p.candidates
	p.candidates = nil
	for _, c := range queued {
		if err := p.ctrl.AddIceCandidate(ctx, clientID, c); err != nil {
			log.Warn().Err(err).Str("module", "audio.full").Str("media_id", string(clientID)).Msg("queued candidate flush failed")
		}
	}
	p.mu.Unlock()

	p.sender.Send(connID, domain.NewStartResponse(connID, sdpAnswer))
	log.Info().Str("module", "audio.full").Str("room", string(p.room)).Str("conn", string(connID)).Str("media_id", string(clientID)).Msg("full audio started")
	return nil
}

// OnIceCandidate queues until the client leg exists, then forwards directly.
func (p *FullAudioProvider) OnIceCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.candidates = append(p.candidates, c)
		return nil
	}
	return p.ctrl.AddIceCandidate(ctx, p.clientMediaID, c)
}

// SubscriberAnswer renegotiates the client leg with a late answer.
func (p *FullAudioProvider) SubscriberAnswer(ctx context.Context, descriptor string) error {
	p.mu.Lock()
	started := p.started
	mcsUserID := p.mcsUserID
	clientID := p.clientMediaID
	p.mu.Unlock()
	if !started {
		return mcs.ErrMediaNotFound
	}
	_, _, err := p.ctrl.Publish(ctx, mcsUserID, p.room, mcs.ElementParams{
		Kind:        mcs.KindWebRTC,
		MediaType:   mcs.MediaTypeAudio,
		MediaID:     clientID,
		Descriptor:  descriptor,
		MediaServer: p.opts.ClientMediaServer,
	})
	return err
}

// VoiceJoined relays the voice-conference join confirmation reported by the
// conferencing app. Sent once per bridge.
func (p *FullAudioProvider) VoiceJoined() {
	p.mu.Lock()
	first := p.started && !p.joined
	p.joined = true
	p.mu.Unlock()
	if first {
		p.sender.Send(p.connID, domain.NewWebRTCAudioSuccess(p.connID, "MEDIA_STARTED"))
	}
}

func (p *FullAudioProvider) onMediaState(ev mcs.Event) {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()

	switch ev.State {
	case mcs.StateFlowing:
		if sup != nil {
			sup.clearFlow()
		}
		p.mu.Lock()
		first := !p.flowing
		p.flowing = true
		p.mu.Unlock()
		if first {
			p.sender.Send(p.connID, domain.NewWebRTCAudioSuccess(p.connID, "MEDIA_FLOWING"))
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

// stopProxyEndpoints tears the dedicated per-connection bridge down:
// best-effort, the mcs user leave cascades stop to both legs.
func (p *FullAudioProvider) stopProxyEndpoints(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	p.sup = nil
	mcsUserID := p.mcsUserID
	p.mcsUserID = ""
	p.clientMediaID = ""
	p.originMediaID = ""
	p.started = false
	p.joined = false
	p.candidates = nil
	p.mu.Unlock()

	if sup != nil {
		sup.stop()
	}
	if mcsUserID != "" {
		if err := p.ctrl.Leave(ctx, p.room, mcsUserID); err != nil {
			log.Warn().Err(err).Str("module", "audio.full").Str("conn", string(p.connID)).Msg("proxy teardown leave failed")
		}
	}
}

// Stop tears the duplex bridge down. Idempotent.
func (p *FullAudioProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started || p.mcsUserID != ""
	p.mu.Unlock()
	if !started {
		return nil
	}
	p.stopProxyEndpoints(ctx)
	log.Info().Str("module", "audio.full").Str("room", string(p.room)).Str("conn", string(p.connID)).Msg("full audio stopped")
	return nil
}
