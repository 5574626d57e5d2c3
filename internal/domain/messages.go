package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Inbound session-control messages. Each wire envelope is decoded once at the
// transport boundary into one of these; nothing downstream re-parses JSON.

const (
	MsgStart            = "start"
	MsgStop             = "stop"
	MsgClose            = "close"
	MsgIceCandidate     = "iceCandidate"
	MsgSubscriberAnswer = "subscriberAnswer"
)

var ErrUnknownMessage = errors.New("unknown message id")

// Request is the closed set of inbound messages.
// Exactly one of the concrete types below implements it.
type Request interface {
	MsgID() string
	Conn() ConnectionID
	Room() VoiceBridge
}

type requestMeta struct {
	ID           string       `json:"id"`
	ConnectionID ConnectionID `json:"connectionId"`
	VoiceBridge  VoiceBridge  `json:"voiceBridge"`
}

func (m requestMeta) MsgID() string      { return m.ID }
func (m requestMeta) Conn() ConnectionID { return m.ConnectionID }
func (m requestMeta) Room() VoiceBridge  { return m.VoiceBridge }

type StartRequest struct {
	requestMeta
	InternalMeetingID MeetingID `json:"internalMeetingId"`
	SDPOffer          string    `json:"sdpOffer"`
	UserID            UserID    `json:"userId"`
	UserName          string    `json:"userName"`
	MediaServer       string    `json:"mediaServer,omitempty"`
	Role              Role      `json:"role,omitempty"`
	CaleeName         string    `json:"caleeName,omitempty"`
}

type StopRequest struct {
	requestMeta
}

type CloseRequest struct {
	requestMeta
}

// NewCloseRequest builds a synthetic close, e.g. for a dropped transport.
func NewCloseRequest(connID ConnectionID, room VoiceBridge) *CloseRequest {
	return &CloseRequest{requestMeta{ID: MsgClose, ConnectionID: connID, VoiceBridge: room}}
}

type IceCandidateRequest struct {
	requestMeta
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type SubscriberAnswerRequest struct {
	requestMeta
	SDPOffer string `json:"sdpOffer"`
}

// DecodeRequest parses a raw envelope into its concrete request type.
func DecodeRequest(data []byte) (Request, error) {
	var meta requestMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("bad request envelope: %w", err)
	}
	switch meta.ID {
	case MsgStart:
		var r StartRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.Role == "" {
			r.Role = RoleRecvOnly
		}
		return &r, nil
	case MsgStop:
		var r StopRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case MsgClose:
		var r CloseRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case MsgIceCandidate:
		var r IceCandidateRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case MsgSubscriberAnswer:
		var r SubscriberAnswerRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, meta.ID)
	}
}

// Outbound client messages.

type StartResponse struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	ID           string       `json:"id"`
	Response     string       `json:"response"`
	SDPAnswer    string       `json:"sdpAnswer"`
}

func NewStartResponse(connID ConnectionID, sdpAnswer string) StartResponse {
	return StartResponse{
		Type:         "audio",
		ConnectionID: connID,
		ID:           "startResponse",
		Response:     "accepted",
		SDPAnswer:    sdpAnswer,
	}
}

type IceCandidateMessage struct {
	Type         string                  `json:"type"`
	ConnectionID ConnectionID            `json:"connectionId"`
	ID           string                  `json:"id"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

func NewIceCandidateMessage(connID ConnectionID, c webrtc.ICECandidateInit) IceCandidateMessage {
	return IceCandidateMessage{Type: "audio", ConnectionID: connID, ID: "iceCandidate", Candidate: c}
}

type WebRTCAudioSuccess struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	ID           string       `json:"id"`
	Success      string       `json:"success"`
}

func NewWebRTCAudioSuccess(connID ConnectionID, state string) WebRTCAudioSuccess {
	return WebRTCAudioSuccess{Type: "audio", ConnectionID: connID, ID: "webRTCAudioSuccess", Success: state}
}

type ErrorInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type WebRTCAudioError struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	ID           string       `json:"id"`
	Error        ErrorInfo    `json:"error"`
}

func NewWebRTCAudioError(connID ConnectionID, code int, reason string) WebRTCAudioError {
	return WebRTCAudioError{
		Type:         "audio",
		ConnectionID: connID,
		ID:           "webRTCAudioError",
		Error:        ErrorInfo{Code: code, Reason: reason},
	}
}

type CloseMessage struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	ID           string       `json:"id"`
}

func NewCloseMessage(connID ConnectionID) CloseMessage {
	return CloseMessage{Type: "audio", ConnectionID: connID, ID: "close"}
}

type ErrorMessage struct {
	Type         string       `json:"type"`
	ConnectionID ConnectionID `json:"connectionId"`
	ID           string       `json:"id"`
	Role         Role         `json:"role,omitempty"`
	StreamID     string       `json:"streamId,omitempty"`
	Code         int          `json:"code"`
	Reason       string       `json:"reason"`
}
