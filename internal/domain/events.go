package domain

// Control-plane events exchanged with the conferencing app over the gateway.

// Events consumed.
const (
	EvDisconnectAllUsers      = "DisconnectAllUsersEvtMsg"
	EvUserLeftMeeting         = "UserLeftMeetingEvtMsg"
	EvUserJoinedVoiceConf     = "UserJoinedVoiceConfToClientEvtMsg"
	EvPermissionResponse      = "GetGlobalAudioPermissionRespMsg"
	EvRecordingStatusResponse = "GetRecordingStatusRespMsg"
)

// Events produced.
const (
	EvUserConnectedToGlobalAudio      = "UserConnectedToGlobalAudioMsg"
	EvUserDisconnectedFromGlobalAudio = "UserDisconnectedFromGlobalAudioMsg"
	EvPermissionRequest               = "GetGlobalAudioPermissionReqMsg"
	EvRecordingStatusRequest          = "GetRecordingStatusReqMsg"
)

type DisconnectAllUsersEvent struct {
	Name              string      `json:"name"`
	InternalMeetingID MeetingID   `json:"internalMeetingId"`
	VoiceBridge       VoiceBridge `json:"voiceConf,omitempty"`
}

type UserLeftMeetingEvent struct {
	Name              string    `json:"name"`
	InternalMeetingID MeetingID `json:"internalMeetingId"`
	UserID            UserID    `json:"userId"`
}

type UserJoinedVoiceConfEvent struct {
	Name        string      `json:"name"`
	VoiceBridge VoiceBridge `json:"voiceConf"`
	UserID      UserID      `json:"userId"`
	CallerName  string      `json:"callerName,omitempty"`
}

type RecordingStatusRequest struct {
	Name              string    `json:"name"`
	InternalMeetingID MeetingID `json:"internalMeetingId"`
	ReplyChannel      string    `json:"replyChannel"`
}

type RecordingStatusResponse struct {
	Name              string    `json:"name"`
	InternalMeetingID MeetingID `json:"internalMeetingId"`
	Recorded          bool      `json:"recorded"`
}

type GlobalAudioNotification struct {
	Name        string      `json:"name"`
	VoiceBridge VoiceBridge `json:"voiceConf"`
	UserID      UserID      `json:"userId"`
	UserName    string      `json:"name_,omitempty"`
	ListenOnly  bool        `json:"listenOnly"`
}

type PermissionRequest struct {
	Name              string      `json:"name"`
	InternalMeetingID MeetingID   `json:"internalMeetingId"`
	VoiceBridge       VoiceBridge `json:"voiceConf"`
	UserID            UserID      `json:"userId"`
	SFUSessionID      string      `json:"sfuSessionId"`
	ReplyChannel      string      `json:"replyChannel"`
}

type PermissionResponse struct {
	Name              string      `json:"name"`
	InternalMeetingID MeetingID   `json:"internalMeetingId"`
	VoiceBridge       VoiceBridge `json:"voiceConf"`
	UserID            UserID      `json:"userId"`
	SFUSessionID      string      `json:"sfuSessionId"`
	Allowed           bool        `json:"allowed"`
}
