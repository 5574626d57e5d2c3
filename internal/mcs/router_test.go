package mcs_test

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/mcs"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs map[domain.ConnectionID][]any
}

func newRecordingSender() *recordingSender {
	return &recordingSender{msgs: make(map[domain.ConnectionID][]any)}
}

func (r *recordingSender) Send(connID domain.ConnectionID, msg any) {
	r.mu.Lock()
	r.msgs[connID] = append(r.msgs[connID], msg)
	r.mu.Unlock()
}

func (r *recordingSender) candidates(connID domain.ConnectionID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, msg := range r.msgs[connID] {
		if m, ok := msg.(domain.IceCandidateMessage); ok {
			out = append(out, m.Candidate.Candidate)
		}
	}
	return out
}

func TestRouterForwardsIceToTrackedConnection(t *testing.T) {
	ctrl, adapter := newController(t)
	sender := newRecordingSender()
	router := mcs.NewRouter(ctrl, sender)

	userID := join(t, ctrl, "room-1", "listener")
	mediaID := publish(t, ctrl, userID, "room-1", mcs.ElementParams{Kind: mcs.KindWebRTC, Descriptor: "v=0"})

	require.NoError(t, router.Track(mediaID, "conn-1"))
	connID, ok := router.ClientOf(mediaID)
	require.True(t, ok)
	require.Equal(t, domain.ConnectionID("conn-1"), connID)

	c := webrtc.ICECandidateInit{Candidate: "server-cand-1"}
	adapter.Emit(mcs.Event{MediaID: mediaID, Kind: mcs.EventIceCandidate, Candidate: &c})
	require.Equal(t, []string{"server-cand-1"}, sender.candidates("conn-1"))
}

func TestRouterFlushesBufferedCandidatesOnTrack(t *testing.T) {
	ctrl, adapter := newController(t)
	sender := newRecordingSender()
	router := mcs.NewRouter(ctrl, sender)

	userID := join(t, ctrl, "room-1", "listener")
	mediaID := publish(t, ctrl, userID, "room-1", mcs.ElementParams{Kind: mcs.KindWebRTC, Descriptor: "v=0"})

	// Candidates the server produced before anyone tracked the session.
	one := webrtc.ICECandidateInit{Candidate: "early-1"}
	two := webrtc.ICECandidateInit{Candidate: "early-2"}
	adapter.Emit(mcs.Event{MediaID: mediaID, Kind: mcs.EventIceCandidate, Candidate: &one})
	adapter.Emit(mcs.Event{MediaID: mediaID, Kind: mcs.EventIceCandidate, Candidate: &two})
	require.Empty(t, sender.candidates("conn-1"))

	require.NoError(t, router.Track(mediaID, "conn-1"))
	require.Equal(t, []string{"early-1", "early-2"}, sender.candidates("conn-1"))
}

func TestRouterUntrackDropsCandidates(t *testing.T) {
	ctrl, adapter := newController(t)
	sender := newRecordingSender()
	router := mcs.NewRouter(ctrl, sender)

	userID := join(t, ctrl, "room-1", "listener")
	mediaID := publish(t, ctrl, userID, "room-1", mcs.ElementParams{Kind: mcs.KindWebRTC, Descriptor: "v=0"})

	require.NoError(t, router.Track(mediaID, "conn-1"))
	router.Untrack(mediaID)
	_, ok := router.ClientOf(mediaID)
	require.False(t, ok)

	c := webrtc.ICECandidateInit{Candidate: "late"}
	adapter.Emit(mcs.Event{MediaID: mediaID, Kind: mcs.EventIceCandidate, Candidate: &c})
	require.Empty(t, sender.candidates("conn-1"))
}

func TestRouterTrackUnknownMedia(t *testing.T) {
	ctrl, _ := newController(t)
	router := mcs.NewRouter(ctrl, newRecordingSender())

	err := router.Track("no-such-media", "conn-1")
	require.ErrorIs(t, err, mcs.ErrMediaNotFound)
}
