// Package audio holds the per-session-type orchestration: the global audio
// shared bridge, the full-duplex variant, and the request routers above them.
package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/domain"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
)

// Options are the orchestration knobs shared by every provider.
type Options struct {
	// ConnectionTimeout bounds the wait for the shared bridge startup.
	ConnectionTimeout time.Duration
	// PermissionProbeTimeout bounds the authorization round-trip.
	PermissionProbeTimeout time.Duration
	// FlowTimeout fires a media error after NOT_FLOWING persists this long.
	FlowTimeout time.Duration
	// StateTimeout fires a media error after DISCONNECTED persists this long.
	StateTimeout time.Duration
	// ClientMediaServer names the client-facing adapter backend.
	ClientMediaServer string
	// OriginMediaServer names the audio origin adapter backend.
	OriginMediaServer string
	// PermissionProbe toggles the authorization round-trip before any
	// negotiation.
	PermissionProbe bool
	// EjectOnUserLeft closes a user's listeners when they leave the meeting.
	EjectOnUserLeft bool
	// RecordingsDir is where duplex sessions of recorded meetings are
	// captured. Empty disables recording.
	RecordingsDir string
}

func DefaultOptions() Options {
	return Options{
		ConnectionTimeout:      25 * time.Second,
		PermissionProbeTimeout: 10 * time.Second,
		FlowTimeout:            15 * time.Second,
		StateTimeout:           15 * time.Second,
		ClientMediaServer:      "Kurento",
		OriginMediaServer:      "FreeSWITCH",
		PermissionProbe:        true,
		EjectOnUserLeft:        true,
	}
}

// base is the shared provider scaffolding: controller and gateway handles,
// outbound dispatch and error normalization.
type base struct {
	ctrl   *mcs.Controller
	gw     gateway.PubSub
	sender mcs.ClientSender
	opts   Options
}

// sendError normalizes err and delivers the outbound error message shape.
func (b *base) sendError(connID domain.ConnectionID, role domain.Role, streamID string, err error) {
	norm := mcs.Normalize(err)
	b.sender.Send(connID, domain.ErrorMessage{
		Type:         "audio",
		ConnectionID: connID,
		ID:           "error",
		Role:         role,
		StreamID:     streamID,
		Code:         norm.Code,
		Reason:       norm.Message,
	})
}

// checkPermission round-trips an authorization probe over the gateway,
// bounded by the configured timeout. A lost response must not hang the join
// forever.
func (b *base) checkPermission(ctx context.Context, meetingID domain.MeetingID, room domain.VoiceBridge, userID domain.UserID, sessionID string) error {
	if !b.opts.PermissionProbe {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, b.opts.PermissionProbeTimeout)
	defer cancel()

	reply := gateway.ReplyChannel()
	req := domain.PermissionRequest{
		Name:              domain.EvPermissionRequest,
		InternalMeetingID: meetingID,
		VoiceBridge:       room,
		UserID:            userID,
		SFUSessionID:      sessionID,
		ReplyChannel:      reply,
	}
	payload, err := gateway.Request(probeCtx, b.gw, gateway.FromSFUChannel, req, reply)
	if err != nil {
		log.Warn().Err(err).Str("module", "audio.base").Str("room", string(room)).Str("user_id", string(userID)).Msg("permission probe failed")
		return mcs.ErrMediaServerReqTimeout
	}
	resp, err := gateway.Decode[domain.PermissionResponse](payload)
	if err != nil {
		return fmt.Errorf("bad permission response: %w", err)
	}
	if !resp.Allowed {
		return mcs.ErrUnauthorized
	}
	return nil
}

// checkRecording asks the conferencing app whether the meeting is being
// recorded. Best-effort: a failed probe disables recording for this session
// rather than failing the join.
func (b *base) checkRecording(ctx context.Context, meetingID domain.MeetingID) bool {
	probeCtx, cancel := context.WithTimeout(ctx, b.opts.PermissionProbeTimeout)
	defer cancel()

	reply := gateway.ReplyChannel()
	req := domain.RecordingStatusRequest{
		Name:              domain.EvRecordingStatusRequest,
		InternalMeetingID: meetingID,
		ReplyChannel:      reply,
	}
	payload, err := gateway.Request(probeCtx, b.gw, gateway.FromSFUChannel, req, reply)
	if err != nil {
		log.Warn().Err(err).Str("module", "audio.base").Str("meeting", string(meetingID)).Msg("recording status probe failed")
		return false
	}
	resp, err := gateway.Decode[domain.RecordingStatusResponse](payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "audio.base").Str("meeting", string(meetingID)).Msg("bad recording status response")
		return false
	}
	return resp.Recorded
}

// notifyGlobalAudio publishes the user connected/disconnected control event.
func (b *base) notifyGlobalAudio(ctx context.Context, name string, room domain.VoiceBridge, userID domain.UserID, userName string) {
	msg := domain.GlobalAudioNotification{
		Name:        name,
		VoiceBridge: room,
		UserID:      userID,
		UserName:    userName,
		ListenOnly:  true,
	}
	if err := b.gw.Publish(ctx, gateway.FromSFUChannel, msg); err != nil {
		log.Warn().Err(err).Str("module", "audio.base").Str("room", string(room)).Str("event", name).Msg("notification publish failed")
	}
}
