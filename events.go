// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a session notification.
type EventKind int

// Session events. The Data field of Event carries the type noted beside each.
const (
	EventConnected           EventKind = iota // nil
	EventClose                                // string reason
	EventProtocolError                        // nil; see Event.Err
	EventAfterInitialisation                  // nil
	EventRequireAuth                          // AuthRequest
	EventAuthSuccess                          // nil
	EventAuthFailed                           // string message
	EventDevice                               // *DeviceDescriptor
	EventVersion                              // VersionInfo
	EventImageInfo                            // ImageInfo
	EventImageInfoChanged                     // ImageInfo
	EventVideoFrame                           // VideoFrame
	EventDecodedFrame                         // image.Image
	EventAudio                                // AudioFrame
	EventVideoParam                           // VideoParam
	EventAudioParam                           // AudioParam
	EventMouseType                            // MouseTypeSetting
	EventKeyStatus                            // KeyLockStatus
	EventBroadcastStatus                      // BroadcastStatus
	EventBroadcastSet                         // BroadcastSetResult
	EventMouseTypeWritten                     // MouseTypeSetting
	EventVMReadStarting                       // nil
	EventVMReadEnd                            // nil
	EventVMWriteStarting                      // nil
	EventVMWriteEnd                           // nil
	EventRefreshVMContext                     // SessionContext
)

var eventKindNames = [...]string{
	EventConnected:           "connected",
	EventClose:               "close",
	EventProtocolError:       "protocol_error",
	EventAfterInitialisation: "after_initialisation",
	EventRequireAuth:         "require_auth",
	EventAuthSuccess:         "auth_success",
	EventAuthFailed:          "auth_failed",
	EventDevice:              "device",
	EventVersion:             "version",
	EventImageInfo:           "image_info",
	EventImageInfoChanged:    "image_info_changed",
	EventVideoFrame:          "video_frame",
	EventDecodedFrame:        "decoded_frame",
	EventAudio:               "audio",
	EventVideoParam:          "video_param",
	EventAudioParam:          "audio_param",
	EventMouseType:           "mouse_type",
	EventKeyStatus:           "key_status",
	EventBroadcastStatus:     "broadcast_status",
	EventBroadcastSet:        "broadcast_set",
	EventMouseTypeWritten:    "mouse_type_written",
	EventVMReadStarting:      "vm_read_starting",
	EventVMReadEnd:           "vm_read_end",
	EventVMWriteStarting:     "vm_write_starting",
	EventVMWriteEnd:          "vm_write_end",
	EventRefreshVMContext:    "refresh_vm_context",
}

// String returns the event name.
func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsMedia reports whether the event carries bulk video or audio data.
func (k EventKind) IsMedia() bool {
	return k == EventVideoFrame || k == EventDecodedFrame || k == EventAudio
}

// Event is a notification raised by a Session.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID uuid.UUID `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Err       error     `json:"-"`
}

// AuthRequest is raised with EventRequireAuth. Offer is what the appliance
// advertised and Selected is the type SubmitCredentials should answer with.
type AuthRequest struct {
	Offer    SecurityOffer `json:"offer"`
	Selected SecurityType  `json:"selected"`
}

// EventHandler receives session events. Events are delivered in order from
// the session read loop, so handlers must not block for long. A handler may
// call back into the session, for example SubmitCredentials on
// EventRequireAuth.
type EventHandler interface {
	HandleEvent(s *Session, ev Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(s *Session, ev Event)

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(s *Session, ev Event) {
	f(s, ev)
}

type multiHandler []EventHandler

func (m multiHandler) HandleEvent(s *Session, ev Event) {
	for _, h := range m {
		h.HandleEvent(s, ev)
	}
}

// Handlers fans each event out to every non-nil handler in order.
func Handlers(handlers ...EventHandler) EventHandler {
	var m multiHandler
	for _, h := range handlers {
		if h != nil {
			m = append(m, h)
		}
	}
	return m
}
