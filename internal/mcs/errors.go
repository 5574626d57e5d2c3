// Package mcs is the media-control core: it models rooms, users and media
// sessions as a graph of publish/subscribe relationships and drives a
// pluggable media-server adapter to negotiate them.
package mcs

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced across the component boundary.
const (
	CodeMediaServerOffline        = 2000
	CodeMediaServerRequestTimeout = 2001
	CodeInvalidRequest            = 2100
	CodeUnauthorized              = 2101
	CodeGenericError              = 2200
	CodeMediaNotFound             = 2201
	CodeRoomNotFound              = 2202
	CodeUserNotFound              = 2203
	CodeMediaInvalidType          = 2204
	CodeNoAvailableCodec          = 2205
	CodeGlobalAudioFailed         = 2210
	CodeMediaFlowTimeout          = 2211
)

// Error is the normalized {code, message} contract every internal failure is
// mapped to before crossing the mcs boundary.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mcs: %s (code %d)", e.Message, e.Code)
}

var (
	ErrRoomNotFound             = &Error{Code: CodeRoomNotFound, Message: "ROOM_NOT_FOUND"}
	ErrUserNotFound             = &Error{Code: CodeUserNotFound, Message: "USER_NOT_FOUND"}
	ErrMediaNotFound            = &Error{Code: CodeMediaNotFound, Message: "MEDIA_NOT_FOUND"}
	ErrMediaInvalidType         = &Error{Code: CodeMediaInvalidType, Message: "MEDIA_INVALID_TYPE"}
	ErrNoAvailableCodec         = &Error{Code: CodeNoAvailableCodec, Message: "MEDIA_NO_AVAILABLE_CODEC"}
	ErrMediaServerOffline       = &Error{Code: CodeMediaServerOffline, Message: "MEDIA_SERVER_OFFLINE"}
	ErrMediaServerReqTimeout    = &Error{Code: CodeMediaServerRequestTimeout, Message: "MEDIA_SERVER_REQUEST_TIMEOUT"}
	ErrUnauthorized             = &Error{Code: CodeUnauthorized, Message: "UNAUTHORIZED"}
	ErrGlobalAudioFailed        = &Error{Code: CodeGlobalAudioFailed, Message: "SFU_GLOBAL_AUDIO_FAILED"}
)

// Normalize maps an arbitrary error to the stable contract. Recognized *Error
// values pass through untouched; anything else becomes the generic code.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return &Error{Code: CodeGenericError, Message: err.Error()}
}
