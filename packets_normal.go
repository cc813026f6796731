// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import "fmt"

// Key transition values carried in byte 1 of a key event.
const (
	KeyUp   = 0
	KeyDown = 1
)

// KeyEvent is a keyboard press or release identified by an X11 keysym.
type KeyEvent struct {
	Down bool
	Key  uint32
}

// Bytes encodes the event as [4, down, 0, 0, key BE u32].
func (e KeyEvent) Bytes() []byte {
	b := make([]byte, KeyEventLength)
	b[0] = byte(WriteKeyEvent)
	if e.Down {
		b[1] = KeyDown
	}
	putU32BE(b[4:], e.Key)
	return b
}

// ParseKeyEvent decodes an encoded key event.
func ParseKeyEvent(b []byte) (KeyEvent, error) {
	if err := requireLength("ParseKeyEvent", b, KeyEventLength); err != nil {
		return KeyEvent{}, err
	}
	if b[1] != KeyUp && b[1] != KeyDown {
		return KeyEvent{}, malformedError("ParseKeyEvent", fmt.Sprintf("invalid key transition %d", b[1]), nil)
	}
	return KeyEvent{Down: b[1] == KeyDown, Key: u32BE(b, 4)}, nil
}

// KeyPress returns the down and up events for a single key stroke.
func KeyPress(key uint32) []KeyEvent {
	return []KeyEvent{{Down: true, Key: key}, {Down: false, Key: key}}
}

// MouseMode selects how pointer coordinates are interpreted by the appliance.
type MouseMode uint8

// Mouse modes.
const (
	MouseRelative MouseMode = 0
	MouseAbsolute MouseMode = 1
)

// String returns the mouse mode name.
func (m MouseMode) String() string {
	switch m {
	case MouseRelative:
		return "relative"
	case MouseAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("MouseMode(%d)", uint8(m))
	}
}

// relativeFlag marks a pointer event carrying signed deltas.
const relativeFlag = 0x80

// MouseEvent is a pointer event. In relative mode X and Y are signed deltas;
// in absolute mode they are screen coordinates and negatives clamp to zero.
type MouseEvent struct {
	Mode   MouseMode
	Button uint8
	X      int
	Y      int
}

// Bytes encodes the 6-byte pointer event.
func (e MouseEvent) Bytes() []byte {
	b := make([]byte, MouseEventLength)
	b[0] = byte(WritePointerEvent)
	if e.Mode == MouseRelative {
		b[1] = e.Button | relativeFlag
		putU16BE(b[2:], uint16(int16(e.X))) // #nosec G115 - wire field is a signed short
		putU16BE(b[4:], uint16(int16(e.Y))) // #nosec G115 - wire field is a signed short
		return b
	}

	b[1] = e.Button
	x, y := max(e.X, 0), max(e.Y, 0)
	putU16BE(b[2:], uint16(x)) // #nosec G115 - wire field is an unsigned short
	putU16BE(b[4:], uint16(y)) // #nosec G115 - wire field is an unsigned short
	return b
}

// ParseMouseEvent decodes a pointer event, using the relative flag in byte 1
// to select signed or unsigned coordinates.
func ParseMouseEvent(b []byte) (MouseEvent, error) {
	if err := requireLength("ParseMouseEvent", b, MouseEventLength); err != nil {
		return MouseEvent{}, err
	}
	if b[1]&relativeFlag != 0 {
		return MouseEvent{
			Mode:   MouseRelative,
			Button: b[1] &^ relativeFlag,
			X:      i16BE(b, 2),
			Y:      i16BE(b, 4),
		}, nil
	}
	return MouseEvent{
		Mode:   MouseAbsolute,
		Button: b[1],
		X:      int(u16BE(b, 2)),
		Y:      int(u16BE(b, 4)),
	}, nil
}

// MouseTypeSetting reports or sets the pointer mode of the appliance.
type MouseTypeSetting struct {
	Mode MouseMode
}

// Bytes encodes the set-mouse-type request [110, mode, 0, 0].
func (m MouseTypeSetting) Bytes() []byte {
	return []byte{byte(WriteSetMouseType), byte(m.Mode), 0, 0}
}

// ParseMouseType decodes a 4-byte mouse type message.
func ParseMouseType(b []byte) (MouseTypeSetting, error) {
	if err := requireLength("ParseMouseType", b, MouseTypeLength); err != nil {
		return MouseTypeSetting{}, err
	}
	return MouseTypeSetting{Mode: MouseMode(b[1])}, nil
}

// VideoParam holds the capture adjustments of the appliance.
type VideoParam struct {
	Brightness      int32
	Contrast        int32
	VerticalShift   int32
	HorizontalShift int32
	Phase           int32
	PVQ             int32
}

// Bytes encodes the set-custom-video-param request.
func (p VideoParam) Bytes() []byte {
	b := make([]byte, VideoParamLength)
	b[0] = byte(WriteSetCustomVideoParam)
	putU32BE(b[4:], uint32(p.Brightness))       // #nosec G115 - two's complement on the wire
	putU32BE(b[8:], uint32(p.Contrast))         // #nosec G115 - two's complement on the wire
	putU32BE(b[12:], uint32(p.VerticalShift))   // #nosec G115 - two's complement on the wire
	putU32BE(b[16:], uint32(p.HorizontalShift)) // #nosec G115 - two's complement on the wire
	putU32BE(b[28:], uint32(p.Phase))           // #nosec G115 - two's complement on the wire
	putU32BE(b[32:], uint32(p.PVQ))             // #nosec G115 - two's complement on the wire
	return b
}

// ParseVideoParam decodes a 36-byte video parameter message.
func ParseVideoParam(b []byte) (VideoParam, error) {
	if err := requireLength("ParseVideoParam", b, VideoParamLength); err != nil {
		return VideoParam{}, err
	}
	return VideoParam{
		Brightness:      int32(u32BE(b, 4)),  // #nosec G115 - two's complement on the wire
		Contrast:        int32(u32BE(b, 8)),  // #nosec G115 - two's complement on the wire
		VerticalShift:   int32(u32BE(b, 12)), // #nosec G115 - two's complement on the wire
		HorizontalShift: int32(u32BE(b, 16)), // #nosec G115 - two's complement on the wire
		Phase:           int32(u32BE(b, 28)), // #nosec G115 - two's complement on the wire
		PVQ:             int32(u32BE(b, 32)), // #nosec G115 - two's complement on the wire
	}, nil
}

// AudioParam reports whether audio capture is muted.
type AudioParam struct {
	Mute bool
}

// Bytes encodes the set-custom-audio-param request.
func (p AudioParam) Bytes() []byte {
	b := make([]byte, AudioParamLength)
	b[0] = byte(WriteSetCustomAudioParam)
	if !p.Mute {
		putU32BE(b[4:], 1)
	}
	return b
}

// ParseAudioParam decodes an 8-byte audio parameter message. A zero value
// at offset 4 means muted.
func ParseAudioParam(b []byte) (AudioParam, error) {
	if err := requireLength("ParseAudioParam", b, AudioParamLength); err != nil {
		return AudioParam{}, err
	}
	return AudioParam{Mute: u32BE(b, 4) == 0}, nil
}

// Lock bits in byte 4 of a key status message.
const (
	scrollLockBit = 1 << 0
	numLockBit    = 1 << 1
	capsLockBit   = 1 << 2
)

// KeyLockStatus is the keyboard lock state of the target host.
type KeyLockStatus struct {
	CapsLock   bool
	NumLock    bool
	ScrollLock bool
}

// Bytes encodes the status in its 5-byte message form.
func (s KeyLockStatus) Bytes() []byte {
	b := make([]byte, KeyStatusLength)
	b[0] = byte(ReadKeyStatus)
	if s.CapsLock {
		b[4] |= capsLockBit
	}
	if s.NumLock {
		b[4] |= numLockBit
	}
	if s.ScrollLock {
		b[4] |= scrollLockBit
	}
	return b
}

// ParseKeyLockStatus decodes a 5-byte key status message.
func ParseKeyLockStatus(b []byte) (KeyLockStatus, error) {
	if err := requireLength("ParseKeyLockStatus", b, KeyStatusLength); err != nil {
		return KeyLockStatus{}, err
	}
	return KeyLockStatus{
		CapsLock:   b[4]&capsLockBit != 0,
		NumLock:    b[4]&numLockBit != 0,
		ScrollLock: b[4]&scrollLockBit != 0,
	}, nil
}

// BroadcastStatus lists the channels currently in broadcast.
type BroadcastStatus struct {
	Channels [BroadcastStatusBytes]byte
}

// Bytes encodes the 68-byte broadcast status message.
func (s BroadcastStatus) Bytes() []byte {
	b := make([]byte, BroadcastLength)
	b[0] = byte(ReadBroadcastStatus)
	copy(b[4:], s.Channels[:])
	return b
}

// Enabled reports whether channel is part of the broadcast set.
func (s BroadcastStatus) Enabled(channel int) bool {
	return channel >= 0 && channel < BroadcastStatusBytes && s.Channels[channel] != 0
}

// ParseBroadcastStatus decodes a 68-byte broadcast status message.
func ParseBroadcastStatus(b []byte) (BroadcastStatus, error) {
	if err := requireLength("ParseBroadcastStatus", b, BroadcastLength); err != nil {
		return BroadcastStatus{}, err
	}
	var s BroadcastStatus
	copy(s.Channels[:], b[4:BroadcastLength])
	return s, nil
}

// BroadcastSetResult is the appliance reply to a broadcast set request.
type BroadcastSetResult struct {
	Success  bool
	Channels [BroadcastStatusBytes]byte
}

// Bytes encodes the 68-byte broadcast set result message.
func (r BroadcastSetResult) Bytes() []byte {
	b := make([]byte, BroadcastLength)
	b[0] = byte(ReadBroadcastSetStatus)
	if r.Success {
		b[1] = 1
	}
	copy(b[4:], r.Channels[:])
	return b
}

// ParseBroadcastSetResult decodes a 68-byte broadcast set result. Byte 1
// equal to one means success.
func ParseBroadcastSetResult(b []byte) (BroadcastSetResult, error) {
	if err := requireLength("ParseBroadcastSetResult", b, BroadcastLength); err != nil {
		return BroadcastSetResult{}, err
	}
	r := BroadcastSetResult{Success: b[1] == 1}
	copy(r.Channels[:], b[4:BroadcastLength])
	return r, nil
}

// BroadcastSetRequest asks the appliance to fan keyboard and mouse input out
// to the channels marked in Channels.
type BroadcastSetRequest struct {
	Keyboard bool
	Mouse    bool
	Channels [BroadcastStatusBytes]byte
}

// Bytes encodes [202, 0, key, mouse, channel set].
func (r BroadcastSetRequest) Bytes() []byte {
	b := make([]byte, BroadcastLength)
	b[0] = byte(WriteBroadcastSet)
	if r.Keyboard {
		b[2] = 1
	}
	if r.Mouse {
		b[3] = 1
	}
	copy(b[4:], r.Channels[:])
	return b
}
