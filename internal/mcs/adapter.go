package mcs

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/meshvoice/sfu/internal/domain"
)

// MediaType filters media flow links between elements.
type MediaType string

const (
	MediaTypeAudio MediaType = "AUDIO"
	MediaTypeVideo MediaType = "VIDEO"
	MediaTypeAll   MediaType = "ALL"
)

// SessionKind selects the element flavor an adapter negotiates.
type SessionKind string

const (
	KindRTP      SessionKind = "RtpEndpoint"
	KindWebRTC   SessionKind = "WebRtcEndpoint"
	KindURI      SessionKind = "PlayerEndpoint"
	KindRecorder SessionKind = "RecorderEndpoint"
)

// UserType distinguishes application participants from media-control units.
type UserType string

const (
	UserSFU UserType = "SFU"
	UserMCU UserType = "MCU"
)

// Media-state values reported by adapters.
const (
	StateFlowing      = "FLOWING"
	StateNotFlowing   = "NOT_FLOWING"
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
)

// EventKind tags adapter events.
type EventKind int

const (
	EventMediaState EventKind = iota
	EventIceCandidate
)

// Event is an asynchronous adapter notification keyed by media id.
type Event struct {
	MediaID   domain.MediaID
	Kind      EventKind
	State     string
	Candidate *webrtc.ICECandidateInit
}

// ElementParams carries everything an adapter needs to negotiate one element.
type ElementParams struct {
	Kind      SessionKind
	MediaType MediaType
	// Descriptor is the remote SDP. Empty means the adapter generates an
	// offer and the returned descriptor is that offer, not an answer.
	Descriptor string
	// MediaServer picks the adapter backend for this element
	// (e.g. "Kurento" client-facing, "FreeSWITCH" origin).
	MediaServer string
	// MediaID, when set, renegotiates an existing element instead of
	// creating one.
	MediaID domain.MediaID
	// Name labels the element on the media server (caller id, file path).
	Name string
	// URI is the sink/source location for recorder and player elements.
	URI string
}

// JoinParams carries participant metadata for a room join.
type JoinParams struct {
	Name string
}

// Adapter is the narrow contract a concrete media-server driver implements.
// All negotiation calls block until the media server replies or ctx ends.
type Adapter interface {
	// Connected reports the media-server control connection health.
	Connected() bool
	// Negotiate creates (or, when params.MediaID resolves to an existing
	// element, renegotiates) a media element and returns its local
	// descriptor: an answer when params.Descriptor was set, an offer
	// otherwise.
	Negotiate(ctx context.Context, room domain.VoiceBridge, user domain.MCSUserID, mediaID domain.MediaID, params ElementParams) (string, error)
	// Stop tears the element down. Stopping an unknown element is an error.
	Stop(ctx context.Context, room domain.VoiceBridge, mediaID domain.MediaID) error
	Connect(ctx context.Context, source, sink domain.MediaID, mt MediaType) error
	Disconnect(ctx context.Context, source, sink domain.MediaID, mt MediaType) error
	AddIceCandidate(ctx context.Context, mediaID domain.MediaID, candidate webrtc.ICECandidateInit) error
	// OnEvent registers the single global event sink. The controller owns
	// it; adapters must deliver events for one media id in order.
	OnEvent(handler func(Event))
}
