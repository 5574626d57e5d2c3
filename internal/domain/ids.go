// Package domain contains identifiers, enums and wire DTOs without logic.
package domain

type (
	// MeetingID is the conferencing app's meeting identifier.
	MeetingID string
	// VoiceBridge is the voice-conference room id, used as the media room key.
	VoiceBridge string
	// ConnectionID identifies one client transport connection.
	ConnectionID string
	// MediaID is the media controller's identifier for one media session.
	MediaID string
	// MCSUserID is the media controller's identifier for a joined participant,
	// distinct from the application-level user id.
	MCSUserID string
	// UserID is the application-level user id.
	UserID string
)

// Role selects the audio variant a connection negotiates.
type Role string

const (
	RoleSendRecv Role = "sendrecv"
	RoleRecvOnly Role = "recvonly"
)

// BridgeStatus is the shared per-room source bridge state machine.
type BridgeStatus string

const (
	MediaStopped           BridgeStatus = "MEDIA_STOPPED"
	MediaStarting          BridgeStatus = "MEDIA_STARTING"
	MediaStarted           BridgeStatus = "MEDIA_STARTED"
	MediaNegotiationFailed BridgeStatus = "MEDIA_NEGOTIATION_FAILED"
)

// GlobalAudioPrefix names the synthetic bridge user for a room.
const GlobalAudioPrefix = "GLOBAL_AUDIO_"
