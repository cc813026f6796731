// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role selects what a session is used for.
type Role int

// Session roles.
const (
	RoleViewer Role = 0
	RoleVM     Role = 1
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleVM:
		return "vm"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// SessionContext is the mutable state of one session. The session owns it;
// callers only ever see copies returned by Snapshot.
type SessionContext struct {
	ID             uuid.UUID         `json:"id"`
	IP             string            `json:"ip,omitempty"`
	Port           int               `json:"port,omitempty"`
	Channel        int               `json:"channel"`
	Role           Role              `json:"role"`
	Stage          Stage             `json:"stage"`
	SecurityType   SecurityType      `json:"security_type"`
	Encoding       EncodingType      `json:"encoding"`
	EncodingKnown  bool              `json:"encoding_known"`
	StartTime      time.Time         `json:"start_time"`
	TrueColour     bool              `json:"true_colour"`
	FrameFlow      uint64            `json:"frame_flow"`
	FlowIn         uint64            `json:"flow_in"`
	FlowOut        uint64            `json:"flow_out"`
	Image          ImageInfo         `json:"image"`
	Media          *MediaDescriptor  `json:"media,omitempty"`
	ReadByteCount  uint64            `json:"read_byte_count"`
	WriteByteCount uint64            `json:"write_byte_count"`
	Device         *DeviceDescriptor `json:"device,omitempty"`
}

func newSessionContext(role Role, channel int) *SessionContext {
	return &SessionContext{
		ID:         uuid.New(),
		Channel:    channel,
		Role:       role,
		Encoding:   EncodingNone,
		StartTime:  time.Now(),
		TrueColour: true,
	}
}

// Snapshot returns a copy of the context. The device descriptor is shared
// because it is never modified after the handshake builds it.
func (c *SessionContext) Snapshot() SessionContext {
	snap := *c
	if c.Media != nil {
		media := *c.Media
		snap.Media = &media
	}
	return snap
}

// Uptime returns how long the session has existed at now.
func (c SessionContext) Uptime(now time.Time) time.Duration {
	return now.Sub(c.StartTime)
}

// String returns a short description used in log lines.
func (c SessionContext) String() string {
	return fmt.Sprintf("session %s %s:%d ch%d %s", c.ID, c.IP, c.Port, c.Channel, c.Role)
}
