package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequestDispatch(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"id":"start","connectionId":"c1","voiceBridge":"r1","internalMeetingId":"m1","sdpOffer":"v=0","userId":"u1","userName":"Ada"}`))
	require.NoError(t, err)
	start, ok := req.(*StartRequest)
	require.True(t, ok)
	require.Equal(t, ConnectionID("c1"), start.Conn())
	require.Equal(t, VoiceBridge("r1"), start.Room())
	require.Equal(t, MeetingID("m1"), start.InternalMeetingID)

	// Omitted role defaults to the listen-only path.
	require.Equal(t, RoleRecvOnly, start.Role)

	req, err = DecodeRequest([]byte(`{"id":"start","connectionId":"c1","voiceBridge":"r1","role":"sendrecv"}`))
	require.NoError(t, err)
	require.Equal(t, RoleSendRecv, req.(*StartRequest).Role)

	req, err = DecodeRequest([]byte(`{"id":"iceCandidate","connectionId":"c1","voiceBridge":"r1","candidate":{"candidate":"cand-1"}}`))
	require.NoError(t, err)
	ice, ok := req.(*IceCandidateRequest)
	require.True(t, ok)
	require.Equal(t, "cand-1", ice.Candidate.Candidate)

	req, err = DecodeRequest([]byte(`{"id":"subscriberAnswer","connectionId":"c1","voiceBridge":"r1","sdpOffer":"v=0 answer"}`))
	require.NoError(t, err)
	require.Equal(t, "v=0 answer", req.(*SubscriberAnswerRequest).SDPOffer)

	req, err = DecodeRequest([]byte(`{"id":"stop","connectionId":"c1","voiceBridge":"r1"}`))
	require.NoError(t, err)
	require.IsType(t, &StopRequest{}, req)

	req, err = DecodeRequest([]byte(`{"id":"close","connectionId":"c1","voiceBridge":"r1"}`))
	require.NoError(t, err)
	require.IsType(t, &CloseRequest{}, req)
}

func TestDecodeRequestRejectsUnknownAndMalformed(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"id":"dial","connectionId":"c1"}`))
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, err = DecodeRequest([]byte(`{not json`))
	require.Error(t, err)
}

func TestNewCloseRequestCarriesRouting(t *testing.T) {
	req := NewCloseRequest("c1", "r1")
	require.Equal(t, MsgClose, req.MsgID())
	require.Equal(t, ConnectionID("c1"), req.Conn())
	require.Equal(t, VoiceBridge("r1"), req.Room())
}
