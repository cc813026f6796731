// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Stage is a discrete phase of the connection lifecycle. Each stage has its
// own framing rules and message vocabulary.
type Stage int

// Connection stages, in protocol order.
const (
	StageProtocolVersion Stage = iota
	StageSecurityTypes
	StageCentralizeTypes
	StageSecurity
	StageSecurityResult
	StageInitialisation
	StageNormal
	StageInvalid
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageProtocolVersion:
		return "ProtocolVersion"
	case StageSecurityTypes:
		return "SecurityTypes"
	case StageCentralizeTypes:
		return "CentralizeTypes"
	case StageSecurity:
		return "Security"
	case StageSecurityResult:
		return "SecurityResult"
	case StageInitialisation:
		return "Initialisation"
	case StageNormal:
		return "Normal"
	case StageInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// ReadType identifies a normal-stage message sent by the appliance.
type ReadType uint8

// Appliance to client message types.
const (
	ReadFrameBufferUpdate   ReadType = 0
	ReadSetColourMapEntries ReadType = 1
	ReadBell                ReadType = 2
	ReadServerCutText       ReadType = 3
	ReadAudioBufferUpdate   ReadType = 4
	ReadVMRead              ReadType = 10
	ReadVMWrite             ReadType = 11
	ReadVideoParam          ReadType = 102
	ReadKeyStatus           ReadType = 103
	ReadDeviceInfo          ReadType = 104
	ReadAudioParam          ReadType = 105
	ReadMouseType           ReadType = 106
	ReadVideoLevel          ReadType = 107
	ReadBroadcastStatus     ReadType = 201
	ReadBroadcastSetStatus  ReadType = 202
)

// String returns the message type name.
func (t ReadType) String() string {
	switch t {
	case ReadFrameBufferUpdate:
		return "FrameBufferUpdate"
	case ReadSetColourMapEntries:
		return "SetColourMapEntries"
	case ReadBell:
		return "Bell"
	case ReadServerCutText:
		return "ServerCutText"
	case ReadAudioBufferUpdate:
		return "AudioBufferUpdate"
	case ReadVMRead:
		return "VMRead"
	case ReadVMWrite:
		return "VMWrite"
	case ReadVideoParam:
		return "VideoParam"
	case ReadKeyStatus:
		return "KeyStatus"
	case ReadDeviceInfo:
		return "DeviceInfo"
	case ReadAudioParam:
		return "AudioParam"
	case ReadMouseType:
		return "MouseType"
	case ReadVideoLevel:
		return "VideoLevel"
	case ReadBroadcastStatus:
		return "BroadcastStatus"
	case ReadBroadcastSetStatus:
		return "BroadcastSetStatus"
	default:
		return fmt.Sprintf("ReadType(%d)", uint8(t))
	}
}

// WriteType identifies a client to appliance message.
type WriteType uint8

// Client to appliance message types.
const (
	WriteSetPixelFormat      WriteType = 0
	WriteFixColourMap        WriteType = 1
	WriteSetEncodings        WriteType = 2
	WriteFBUpdateRequest     WriteType = 3
	WriteKeyEvent            WriteType = 4
	WritePointerEvent        WriteType = 5
	WriteClientCutText       WriteType = 6
	WriteAudioRequest        WriteType = 7
	WriteVMLink              WriteType = 10
	WriteVMClose             WriteType = 11
	WriteVMData              WriteType = 12
	WriteClientHere          WriteType = 101
	WriteVideoParamRequest   WriteType = 102
	WriteSetCustomVideoParam WriteType = 103
	WriteKeyStatusRequest    WriteType = 104
	WriteDeviceInfoRequest   WriteType = 105
	WritePortSwitch          WriteType = 106
	WriteAudioParamRequest   WriteType = 107
	WriteSetCustomAudioParam WriteType = 108
	WriteMouseTypeRequest    WriteType = 109
	WriteSetMouseType        WriteType = 110
	WriteVideoLevelRequest   WriteType = 111
	WriteSetVideoLevel       WriteType = 112
	WriteBroadcastRequest    WriteType = 201
	WriteBroadcastSet        WriteType = 202
)

// Fixed message lengths in the normal stage.
const (
	headerLength             = 4
	VideoParamLength         = 36
	KeyStatusLength          = 5
	AudioParamLength         = 8
	MouseTypeLength          = 4
	BroadcastLength          = 68
	BroadcastStatusBytes     = 64
	AudioFrameMinLength      = 12
	VideoFrameMinLength      = 20
	ResolutionChangeLength   = 16
	ImageInfoTrailerLength   = 12
	VMWriteHeaderLength      = 15
	VMLinkLength             = 16
	VMReadReplyHeaderLength  = 6
	KeyEventLength           = 8
	MouseEventLength         = 6
	SecurityChallengeLength  = 16
)

// ShareFlag is sent after a successful auth result to join a shared session.
const ShareFlag byte = 1

// fixedRequest builds a 4-byte request carrying only the message type.
func fixedRequest(t WriteType) []byte {
	return []byte{byte(t), 0, 0, 0}
}

// KeepAliveRequest returns the client-here keep-alive message.
func KeepAliveRequest() []byte { return fixedRequest(WriteClientHere) }

// VideoParamRequest returns the request for the current video parameters.
func VideoParamRequest() []byte { return fixedRequest(WriteVideoParamRequest) }

// AudioParamRequest returns the request for the current audio parameters.
func AudioParamRequest() []byte { return fixedRequest(WriteAudioParamRequest) }

// MouseTypeRequest returns the request for the current mouse mode.
func MouseTypeRequest() []byte { return fixedRequest(WriteMouseTypeRequest) }

// KeyStatusRequest returns the request for the keyboard lock state.
func KeyStatusRequest() []byte { return fixedRequest(WriteKeyStatusRequest) }

// BroadcastStatusRequest returns the request for the broadcast state.
func BroadcastStatusRequest() []byte { return fixedRequest(WriteBroadcastRequest) }

// VMCloseRequest returns the virtual-media close message.
func VMCloseRequest() []byte { return fixedRequest(WriteVMClose) }

func putU32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func putU16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func u32BE(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off:]) }
func u16BE(b []byte, off int) uint16 { return binary.BigEndian.Uint16(b[off:]) }
func u32LE(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func i16BE(b []byte, off int) int    { return int(int16(binary.BigEndian.Uint16(b[off:]))) }

// asciiField decodes a fixed-width, NUL padded ASCII field.
func asciiField(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// putASCIIField copies s into dst, truncating and zero padding to len(dst).
func putASCIIField(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
