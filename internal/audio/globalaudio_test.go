package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
	"github.com/meshvoice/sfu/internal/mcs/mcsfakes"
)

type sentMsg struct {
	conn domain.ConnectionID
	msg  any
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sentMsg
}

func (f *fakeSender) Send(connID domain.ConnectionID, msg any) {
	f.mu.Lock()
	f.msgs = append(f.msgs, sentMsg{conn: connID, msg: msg})
	f.mu.Unlock()
}

func (f *fakeSender) byConn(connID domain.ConnectionID) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, m := range f.msgs {
		if m.conn == connID {
			out = append(out, m.msg)
		}
	}
	return out
}

func (f *fakeSender) startResponse(connID domain.ConnectionID) (domain.StartResponse, bool) {
	for _, m := range f.byConn(connID) {
		if resp, ok := m.(domain.StartResponse); ok {
			return resp, true
		}
	}
	return domain.StartResponse{}, false
}

func (f *fakeSender) errorFor(connID domain.ConnectionID) (domain.ErrorMessage, bool) {
	for _, m := range f.byConn(connID) {
		if e, ok := m.(domain.ErrorMessage); ok {
			return e, true
		}
	}
	return domain.ErrorMessage{}, false
}

func (f *fakeSender) audioErrorFor(connID domain.ConnectionID) (domain.WebRTCAudioError, bool) {
	for _, m := range f.byConn(connID) {
		if e, ok := m.(domain.WebRTCAudioError); ok {
			return e, true
		}
	}
	return domain.WebRTCAudioError{}, false
}

// allowPermissions wires a synchronous permission responder onto the fake
// control plane.
func allowPermissions(t *testing.T, gw *gateway.FakePubSub, allow bool) {
	t.Helper()
	_, err := gw.Subscribe(context.Background(), gateway.FromSFUChannel, func(payload []byte) {
		var req domain.PermissionRequest
		if json.Unmarshal(payload, &req) != nil || req.Name != domain.EvPermissionRequest {
			return
		}
		resp := domain.PermissionResponse{
			Name:              domain.EvPermissionResponse,
			InternalMeetingID: req.InternalMeetingID,
			VoiceBridge:       req.VoiceBridge,
			UserID:            req.UserID,
			SFUSessionID:      req.SFUSessionID,
			Allowed:           allow,
		}
		require.NoError(t, gw.Publish(context.Background(), req.ReplyChannel, resp))
	})
	require.NoError(t, err)
}

func testOpts() Options {
	opts := DefaultOptions()
	opts.ConnectionTimeout = 2 * time.Second
	opts.PermissionProbeTimeout = time.Second
	opts.FlowTimeout = 30 * time.Millisecond
	opts.StateTimeout = 30 * time.Millisecond
	return opts
}

func startReq(conn domain.ConnectionID, room domain.VoiceBridge, user domain.UserID) *domain.StartRequest {
	data := fmt.Sprintf(`{"id":"start","connectionId":%q,"voiceBridge":%q,"internalMeetingId":"meeting-1","sdpOffer":"v=0 offer","userId":%q,"userName":"user-%s"}`,
		conn, room, user, user)
	req, err := domain.DecodeRequest([]byte(data))
	if err != nil {
		panic(err)
	}
	return req.(*domain.StartRequest)
}

func newGlobalAudio(t *testing.T) (*GlobalAudioProvider, *mcsfakes.Adapter, *fakeSender, *gateway.FakePubSub) {
	t.Helper()
	adapter := mcsfakes.New()
	ctrl := mcs.NewController(adapter)
	gw := gateway.NewFakePubSub()
	allowPermissions(t, gw, true)
	sender := &fakeSender{}
	p := NewGlobalAudioProvider(ctrl, gw, sender, testOpts(), "meeting-1", "r1")
	return p, adapter, sender, gw
}

// scriptedDescriptor mirrors the fake adapter's default generation so hooks
// can delegate to it.
func scriptedDescriptor(params mcs.ElementParams) string {
	if params.Descriptor == "" {
		return "offer-hooked"
	}
	return "answer-hooked"
}

func TestGlobalAudioStartAccepted(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)

	require.Equal(t, domain.MediaStopped, p.BridgeStatus())
	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))
	require.Equal(t, domain.MediaStarted, p.BridgeStatus())

	resp, ok := sender.startResponse("c1")
	require.True(t, ok)
	require.Equal(t, "accepted", resp.Response)
	require.NotEmpty(t, resp.SDPAnswer)

	// Bridge handshake: relay publish, origin publish, relay renegotiate.
	rtp := 0
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindRTP {
			rtp++
		}
	}
	require.Equal(t, 3, rtp)
}

func TestGlobalAudioSingleFlightStartup(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)

	gate := make(chan struct{})
	var once sync.Once
	adapter.NegotiateHook = func(_ domain.VoiceBridge, _ domain.MCSUserID, _ domain.MediaID, params mcs.ElementParams) (string, error) {
		if params.Kind == mcs.KindRTP && params.Descriptor == "" && params.MediaID == "" {
			once.Do(func() { <-gate })
		}
		return scriptedDescriptor(params), nil
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := domain.ConnectionID(fmt.Sprintf("c%d", i))
			errs[i] = p.Start(context.Background(), startReq(conn, "r1", domain.UserID(fmt.Sprintf("u%d", i))))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		_, ok := sender.startResponse(domain.ConnectionID(fmt.Sprintf("c%d", i)))
		require.True(t, ok)
	}

	// Exactly one bridge startup sequence ran: three RTP negotiations total.
	rtp := 0
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindRTP {
			rtp++
		}
	}
	require.Equal(t, 3, rtp)
	require.Equal(t, domain.MediaStarted, p.BridgeStatus())
}

func TestGlobalAudioIceCandidateOrdering(t *testing.T) {
	p, adapter, _, _ := newGlobalAudio(t)

	gate := make(chan struct{})
	adapter.NegotiateHook = func(_ domain.VoiceBridge, _ domain.MCSUserID, _ domain.MediaID, params mcs.ElementParams) (string, error) {
		if params.Kind == mcs.KindWebRTC {
			<-gate
		}
		return scriptedDescriptor(params), nil
	}

	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background(), startReq("c1", "r1", "u1")) }()

	candidate := func(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }
	require.Eventually(t, func() bool { return p.Has("c1") }, time.Second, 5*time.Millisecond)

	// Queued while the endpoint does not exist yet.
	require.NoError(t, p.OnIceCandidate(context.Background(), "c1", candidate("c1-first")))
	require.NoError(t, p.OnIceCandidate(context.Background(), "c1", candidate("c2-second")))
	close(gate)
	require.NoError(t, <-done)

	// Forwarded directly once the endpoint exists.
	require.NoError(t, p.OnIceCandidate(context.Background(), "c1", candidate("c3-third")))

	var subMedia domain.MediaID
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindWebRTC {
			subMedia = call.MediaID
		}
	}
	require.NotEmpty(t, subMedia)

	got := adapter.CandidatesFor(subMedia)
	require.Len(t, got, 3)
	require.Equal(t, "c1-first", got[0].Candidate)
	require.Equal(t, "c2-second", got[1].Candidate)
	require.Equal(t, "c3-third", got[2].Candidate)
}

func TestGlobalAudioLastListenerTeardown(t *testing.T) {
	p, adapter, _, _ := newGlobalAudio(t)

	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))
	require.NoError(t, p.Start(context.Background(), startReq("c2", "r1", "u2")))

	var relayID domain.MediaID
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindRTP && call.Params.Descriptor == "" && call.Params.MediaID == "" {
			relayID = call.MediaID
		}
	}
	require.NotEmpty(t, relayID)

	stoppedRelay := func() int {
		n := 0
		for _, call := range adapter.CallsFor("stop") {
			if call.MediaID == relayID {
				n++
			}
		}
		return n
	}

	// Stopping a non-last listener never touches the shared bridge.
	require.NoError(t, p.StopListener(context.Background(), "c1"))
	require.Equal(t, domain.MediaStarted, p.BridgeStatus())
	require.Zero(t, stoppedRelay())

	// The last listener releases the bridge source, exactly once.
	require.NoError(t, p.StopListener(context.Background(), "c2"))
	require.Equal(t, domain.MediaStopped, p.BridgeStatus())
	require.Equal(t, 1, stoppedRelay())

	// Idempotent stop.
	require.NoError(t, p.StopListener(context.Background(), "c2"))
	require.Equal(t, 1, stoppedRelay())
}

func TestGlobalAudioWaiterTimeoutIsolation(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)
	p.opts.ConnectionTimeout = 100 * time.Millisecond

	gate := make(chan struct{})
	var once sync.Once
	adapter.NegotiateHook = func(_ domain.VoiceBridge, _ domain.MCSUserID, _ domain.MediaID, params mcs.ElementParams) (string, error) {
		if params.Kind == mcs.KindRTP && params.Descriptor == "" && params.MediaID == "" {
			once.Do(func() { <-gate })
		}
		return scriptedDescriptor(params), nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var errA, errB error
	go func() { defer wg.Done(); errA = p.Start(context.Background(), startReq("cA", "r1", "uA")) }()
	go func() { defer wg.Done(); errB = p.Start(context.Background(), startReq("cB", "r1", "uB")) }()
	wg.Wait()

	// Both waiters hit the bound while startup was stalled.
	require.Error(t, errA)
	require.Error(t, errB)
	msg, ok := sender.errorFor("cB")
	require.True(t, ok)
	require.Equal(t, mcs.CodeMediaServerRequestTimeout, msg.Code)

	// The startup itself runs to completion regardless.
	close(gate)
	require.Eventually(t, func() bool {
		return p.BridgeStatus() == domain.MediaStarted
	}, time.Second, 5*time.Millisecond)

	rtp := 0
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindRTP {
			rtp++
		}
	}
	require.Equal(t, 3, rtp)
}

func TestGlobalAudioSubscribeRollback(t *testing.T) {
	p, adapter, _, gw := newGlobalAudio(t)

	adapter.NegotiateHook = func(_ domain.VoiceBridge, _ domain.MCSUserID, _ domain.MediaID, params mcs.ElementParams) (string, error) {
		if params.Kind == mcs.KindWebRTC {
			return "", mcs.ErrNoAvailableCodec
		}
		return scriptedDescriptor(params), nil
	}

	err := p.Start(context.Background(), startReq("c1", "r1", "u1"))
	require.Error(t, err)
	require.Equal(t, mcs.CodeNoAvailableCodec, mcs.Normalize(err).Code)

	// Listener record removed, disconnect notification emitted, shared
	// bridge left alone.
	require.False(t, p.Has("c1"))
	require.Equal(t, domain.MediaStarted, p.BridgeStatus())

	var sawDisconnect bool
	for _, payload := range gw.Published(gateway.FromSFUChannel) {
		var n domain.GlobalAudioNotification
		if json.Unmarshal(payload, &n) == nil && n.Name == domain.EvUserDisconnectedFromGlobalAudio && n.UserID == "u1" {
			sawDisconnect = true
		}
	}
	require.True(t, sawDisconnect)
}

func TestGlobalAudioBridgeFailureRollsBack(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)

	adapter.NegotiateHook = func(_ domain.VoiceBridge, _ domain.MCSUserID, _ domain.MediaID, params mcs.ElementParams) (string, error) {
		if params.Kind == mcs.KindRTP && params.Descriptor != "" && params.MediaID == "" {
			return "", mcs.ErrNoAvailableCodec
		}
		return scriptedDescriptor(params), nil
	}

	err := p.Start(context.Background(), startReq("c1", "r1", "u1"))
	require.Error(t, err)
	require.Equal(t, mcs.CodeGlobalAudioFailed, mcs.Normalize(err).Code)

	msg, ok := sender.errorFor("c1")
	require.True(t, ok)
	require.Equal(t, mcs.CodeGlobalAudioFailed, msg.Code)

	// Rollback left the bridge stopped so a later join can retry.
	require.Equal(t, domain.MediaStopped, p.BridgeStatus())
	require.False(t, p.Has("c1"))

	// Retry with a healthy adapter succeeds.
	adapter.NegotiateHook = nil
	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))
	require.Equal(t, domain.MediaStarted, p.BridgeStatus())
}

func TestGlobalAudioOfflineFailsFast(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)
	adapter.SetConnected(false)

	err := p.Start(context.Background(), startReq("c1", "r1", "u1"))
	require.ErrorIs(t, err, mcs.ErrMediaServerOffline)

	msg, ok := sender.errorFor("c1")
	require.True(t, ok)
	require.Equal(t, mcs.CodeMediaServerOffline, msg.Code)

	// No partial state.
	require.False(t, p.Has("c1"))
	require.Equal(t, domain.MediaStopped, p.BridgeStatus())
	require.Empty(t, adapter.Calls())
}

func TestGlobalAudioPermissionDenied(t *testing.T) {
	adapter := mcsfakes.New()
	ctrl := mcs.NewController(adapter)
	gw := gateway.NewFakePubSub()
	allowPermissions(t, gw, false)
	sender := &fakeSender{}
	p := NewGlobalAudioProvider(ctrl, gw, sender, testOpts(), "meeting-1", "r1")

	err := p.Start(context.Background(), startReq("c1", "r1", "u1"))
	require.ErrorIs(t, err, mcs.ErrUnauthorized)
	require.False(t, p.Has("c1"))
	require.Empty(t, adapter.CallsFor("negotiate"))
}

func TestGlobalAudioFlowSupervision(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)
	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))

	var subMedia domain.MediaID
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindWebRTC {
			subMedia = call.MediaID
		}
	}
	require.NotEmpty(t, subMedia)

	adapter.Emit(mcs.Event{MediaID: subMedia, Kind: mcs.EventMediaState, State: mcs.StateFlowing})
	require.Eventually(t, func() bool {
		for _, m := range sender.byConn("c1") {
			if s, ok := m.(domain.WebRTCAudioSuccess); ok && s.Success == "MEDIA_FLOWING" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	// NOT_FLOWING arms the timer; expiry surfaces the fixed flow error.
	adapter.Emit(mcs.Event{MediaID: subMedia, Kind: mcs.EventMediaState, State: mcs.StateNotFlowing})
	require.Eventually(t, func() bool {
		e, ok := sender.audioErrorFor("c1")
		return ok && e.Error.Code == mcs.CodeMediaFlowTimeout
	}, time.Second, 5*time.Millisecond)
}

func TestGlobalAudioFlowRecoveryClearsTimer(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)
	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))

	var subMedia domain.MediaID
	for _, call := range adapter.CallsFor("negotiate") {
		if call.Params.Kind == mcs.KindWebRTC {
			subMedia = call.MediaID
		}
	}

	adapter.Emit(mcs.Event{MediaID: subMedia, Kind: mcs.EventMediaState, State: mcs.StateNotFlowing})
	adapter.Emit(mcs.Event{MediaID: subMedia, Kind: mcs.EventMediaState, State: mcs.StateFlowing})

	time.Sleep(60 * time.Millisecond)
	_, got := sender.audioErrorFor("c1")
	require.False(t, got)
}

func TestGlobalAudioStopAllToleratesFailures(t *testing.T) {
	p, adapter, sender, _ := newGlobalAudio(t)
	require.NoError(t, p.Start(context.Background(), startReq("c1", "r1", "u1")))
	require.NoError(t, p.Start(context.Background(), startReq("c2", "r1", "u2")))

	adapter.StopErr = mcs.ErrMediaNotFound
	p.StopAll(context.Background())

	require.False(t, p.Has("c1"))
	require.False(t, p.Has("c2"))
	require.Equal(t, domain.MediaStopped, p.BridgeStatus())
	for _, conn := range []domain.ConnectionID{"c1", "c2"} {
		var closed bool
		for _, m := range sender.byConn(conn) {
			if _, ok := m.(domain.CloseMessage); ok {
				closed = true
			}
		}
		require.True(t, closed)
	}
}
