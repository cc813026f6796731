// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// VersionLength is the size of the RFB version string.
const VersionLength = 12

// Device block layout.
const (
	DeviceHeaderLength = 53
	DeviceModuleLength = 133
	MaxChannels        = 64

	deviceLengthOffset = 12
	deviceTypeOffset   = 12 + 21
	modulePathLength   = 5
)

// Device type codes that select the audio framing family.
const (
	DeviceTypeEV4000A = 17
	DeviceTypeEV5000  = 18
	DeviceTypeEV6000A = 61
	DeviceTypeRCM101  = 66
)

// VersionInfo is the protocol version exchanged at connection start.
type VersionInfo struct {
	Major int
	Minor int
}

// Version38 is the version this client announces.
var Version38 = VersionInfo{Major: 3, Minor: 8}

// Bytes returns the 12-byte wire form "RFB xxx.yyy\n".
func (v VersionInfo) Bytes() []byte {
	return []byte(fmt.Sprintf("RFB %03d.%03d\n", v.Major, v.Minor))
}

// String returns the version as "major.minor".
func (v VersionInfo) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion decodes the version string at the start of b.
func ParseVersion(b []byte) (VersionInfo, error) {
	if err := requireLength("ParseVersion", b, VersionLength); err != nil {
		return VersionInfo{}, err
	}

	text := string(b[:VersionLength])
	if err := newInputValidator().ValidateProtocolVersion(text); err != nil {
		return VersionInfo{}, malformedError("ParseVersion", "invalid version string", err)
	}

	major, _ := strconv.Atoi(text[4:7])
	minor, _ := strconv.Atoi(text[8:11])
	return VersionInfo{Major: major, Minor: minor}, nil
}

// ChannelState is the occupancy of a channel on the appliance.
type ChannelState int

// Channel states reported in the device module bitmap.
const (
	ChannelOffline ChannelState = iota
	ChannelOnline
	ChannelInUse
)

// String returns the channel state name.
func (s ChannelState) String() string {
	switch s {
	case ChannelOffline:
		return "offline"
	case ChannelOnline:
		return "online"
	case ChannelInUse:
		return "in-use"
	default:
		return "unknown"
	}
}

// channelStateFromByte maps a bitmap entry to a state: zero is offline,
// otherwise the most significant bit distinguishes in-use from online.
func channelStateFromByte(b byte) ChannelState {
	switch {
	case b == 0:
		return ChannelOffline
	case b&0x80 == 0:
		return ChannelOnline
	default:
		return ChannelInUse
	}
}

// DeviceModule is one 133-byte sub-unit record in the device body.
type DeviceModule struct {
	Type            uint8
	ID              string
	Name            string
	HardwareVersion string
	SoftwareVersion string
	Cascade         uint8
	SocketType      uint8
	ChannelCount    uint8
	ChannelStates   [MaxChannels]byte
	Path            [modulePathLength]byte
}

// Bytes encodes the module into its 133-byte wire form.
func (m DeviceModule) Bytes() []byte {
	b := make([]byte, DeviceModuleLength)
	b[0] = m.Type
	putASCIIField(b[11:31], m.ID)
	putASCIIField(b[31:51], m.Name)
	if v, err := hex.DecodeString(m.HardwareVersion); err == nil {
		copy(b[51:56], v)
	}
	if v, err := hex.DecodeString(m.SoftwareVersion); err == nil {
		copy(b[56:61], v)
	}
	b[61] = m.Cascade
	b[62] = m.SocketType
	b[63] = m.ChannelCount
	copy(b[64:128], m.ChannelStates[:])
	copy(b[128:133], m.Path[:])
	return b
}

func parseDeviceModule(b []byte) DeviceModule {
	m := DeviceModule{
		Type:            b[0],
		ID:              asciiField(b[11:31]),
		Name:            asciiField(b[31:51]),
		HardwareVersion: strings.ToUpper(hex.EncodeToString(b[51:56])),
		SoftwareVersion: strings.ToUpper(hex.EncodeToString(b[56:61])),
		Cascade:         b[61],
		SocketType:      b[62],
		ChannelCount:    b[63],
	}
	copy(m.ChannelStates[:], b[64:128])
	copy(m.Path[:], b[128:133])
	return m
}

// ChannelInfo is the derived view of one logical channel.
type ChannelInfo struct {
	Number          int
	State           ChannelState
	SocketType      uint8
	ModuleID        string
	ModuleType      uint8
	ModuleName      string
	HardwareVersion string
	SoftwareVersion string
}

// DeviceDescriptor describes the appliance. It is built once from the
// handshake payload and never modified afterwards.
type DeviceDescriptor struct {
	Type         uint8
	ID           string
	Name         string
	ChannelCount int
	Modules      []DeviceModule
	Channels     []ChannelInfo
}

// DeviceBlockLength returns the size of the version plus device block at the
// start of b, or an incomplete error when fewer than 53 bytes are present.
func DeviceBlockLength(b []byte) (int, error) {
	if err := requireLength("DeviceBlockLength", b, DeviceHeaderLength); err != nil {
		return 0, err
	}
	return DeviceHeaderLength + int(u32LE(b, deviceLengthOffset)), nil
}

// ParseDeviceBlock decodes the device block that follows the version string.
// The body length is the little-endian u32 at offset 12 and the body starts at 53.
func ParseDeviceBlock(b []byte) (*DeviceDescriptor, error) {
	size, err := DeviceBlockLength(b)
	if err != nil {
		return nil, err
	}
	bodyLen := size - DeviceHeaderLength
	if err := newInputValidator().ValidateMessageLength(uint32(bodyLen), MaxDeviceBodyLength); err != nil { // #nosec G115 - bounded by u32 source
		return nil, malformedError("ParseDeviceBlock", "device body too large", err)
	}
	if err := requireLength("ParseDeviceBlock", b, size); err != nil {
		return nil, err
	}

	d, err := ParseDeviceBody(b[DeviceHeaderLength:size])
	if err != nil {
		return nil, err
	}
	d.Type = b[deviceTypeOffset]
	return d, nil
}

// ParseDeviceBody decodes a sequence of 133-byte modules. The first module
// provides the device id, name and channel count.
func ParseDeviceBody(body []byte) (*DeviceDescriptor, error) {
	if len(body)%DeviceModuleLength != 0 {
		return nil, malformedError("ParseDeviceBody",
			fmt.Sprintf("device body length %d is not a multiple of %d", len(body), DeviceModuleLength), nil)
	}

	d := &DeviceDescriptor{}
	for off := 0; off < len(body); off += DeviceModuleLength {
		d.Modules = append(d.Modules, parseDeviceModule(body[off:off+DeviceModuleLength]))
	}
	if len(d.Modules) == 0 {
		return d, nil
	}

	first := d.Modules[0]
	d.ID = first.ID
	d.Name = first.Name
	d.ChannelCount = int(first.ChannelCount)
	d.Channels = deriveChannels(d.Modules, d.ChannelCount)
	return d, nil
}

func deriveChannels(modules []DeviceModule, count int) []ChannelInfo {
	if count > MaxChannels {
		return nil
	}

	states := modules[0].ChannelStates
	channels := make([]ChannelInfo, 0, count)
	for index := 0; index < count; index++ {
		ch := ChannelInfo{Number: index, State: channelStateFromByte(states[index])}
		for _, m := range modules[1:] {
			if int(m.Path[1]) != index {
				continue
			}
			ch.SocketType = m.SocketType
			ch.ModuleID = m.ID
			ch.ModuleType = m.Type
			ch.ModuleName = m.Name
			ch.HardwareVersion = m.HardwareVersion
			ch.SoftwareVersion = m.SoftwareVersion
		}
		channels = append(channels, ch)
	}
	return channels
}

// Channel returns the channel with the given number.
func (d *DeviceDescriptor) Channel(number int) (ChannelInfo, bool) {
	for _, ch := range d.Channels {
		if ch.Number == number {
			return ch, true
		}
	}
	return ChannelInfo{}, false
}

// IsHiSilicon reports whether the device uses the HiSilicon audio framing.
func (d *DeviceDescriptor) IsHiSilicon() bool {
	if d == nil {
		return false
	}
	switch d.Type {
	case DeviceTypeEV5000, DeviceTypeEV6000A, DeviceTypeRCM101:
		return true
	default:
		return false
	}
}

// EncodeDeviceBlock builds a version plus device block from modules. It is
// the inverse of ParseDeviceBlock and is used by appliance simulators.
func EncodeDeviceBlock(v VersionInfo, deviceType uint8, modules []DeviceModule) []byte {
	b := make([]byte, DeviceHeaderLength, DeviceHeaderLength+len(modules)*DeviceModuleLength)
	copy(b, v.Bytes())
	binary.LittleEndian.PutUint32(b[deviceLengthOffset:], uint32(len(modules)*DeviceModuleLength)) // #nosec G115 - module count is small
	b[deviceTypeOffset] = deviceType
	for _, m := range modules {
		b = append(b, m.Bytes()...)
	}
	return b
}

// ParseDeviceInfo decodes a normal-stage DeviceInfo message: little-endian
// body length at offset 4, body at offset 8.
func ParseDeviceInfo(msg []byte) (*DeviceDescriptor, error) {
	if err := requireLength("ParseDeviceInfo", msg, 8); err != nil {
		return nil, err
	}
	n := int(u32LE(msg, 4))
	if err := requireLength("ParseDeviceInfo", msg, 8+n); err != nil {
		return nil, err
	}
	return ParseDeviceBody(msg[8 : 8+n])
}

// SecurityType is an authentication method code.
type SecurityType uint8

// Security type codes offered by the appliance.
const (
	SecurityInvalid    SecurityType = 0
	SecurityNone       SecurityType = 1
	SecurityVNCAuth    SecurityType = 2
	SecurityUKey       SecurityType = 8
	SecurityRSA        SecurityType = 9
	SecurityRemoteAuth SecurityType = 10
	SecurityCentralize SecurityType = 20
)

// String returns the security type name.
func (t SecurityType) String() string {
	switch t {
	case SecurityInvalid:
		return "Invalid"
	case SecurityNone:
		return "None"
	case SecurityVNCAuth:
		return "VncAuth"
	case SecurityUKey:
		return "UKey"
	case SecurityRSA:
		return "Rsa"
	case SecurityRemoteAuth:
		return "RemoteAuth"
	case SecurityCentralize:
		return "CentralizeAuth"
	default:
		return fmt.Sprintf("SecurityType(%d)", uint8(t))
	}
}

// SecurityOffer is the ordered list of auth methods offered by the appliance.
type SecurityOffer struct {
	Types []SecurityType
}

// Contains reports whether t was offered.
func (o SecurityOffer) Contains(t SecurityType) bool {
	for _, offered := range o.Types {
		if offered == t {
			return true
		}
	}
	return false
}

// Bytes encodes the offer as a count byte followed by the type codes.
func (o SecurityOffer) Bytes() []byte {
	b := make([]byte, 1+len(o.Types))
	b[0] = byte(len(o.Types))
	for i, t := range o.Types {
		b[1+i] = byte(t)
	}
	return b
}

// ParseSecurityOffer decodes a 1+N byte security type list.
func ParseSecurityOffer(b []byte) (SecurityOffer, error) {
	if err := requireLength("ParseSecurityOffer", b, 1); err != nil {
		return SecurityOffer{}, err
	}
	count := int(b[0])
	if count == 0 {
		return SecurityOffer{}, malformedError("ParseSecurityOffer", "no authentication methods provided", nil)
	}
	if err := requireLength("ParseSecurityOffer", b, 1+count); err != nil {
		return SecurityOffer{}, err
	}

	offer := SecurityOffer{Types: make([]SecurityType, count)}
	for i := 0; i < count; i++ {
		offer.Types[i] = SecurityType(b[1+i])
	}
	if err := newInputValidator().ValidateSecurityTypes(offer.Types); err != nil {
		return SecurityOffer{}, malformedError("ParseSecurityOffer", "invalid security type list", err)
	}
	return offer, nil
}

// EncodeSecurityType returns the one-byte security selection.
func EncodeSecurityType(t SecurityType) []byte {
	return []byte{byte(t)}
}

// EncodeSecurityPath returns the security path record selecting channel.
func EncodeSecurityPath(channel int) []byte {
	return []byte{1, byte(channel)}
}

// EncodeUserAccount returns the 17-byte centralize account block.
func EncodeUserAccount(account string) []byte {
	b := make([]byte, 1+MaxAccountLength)
	b[0] = MaxAccountLength
	putASCIIField(b[1:], account)
	return b
}

// AuthOutcome is the result of the security exchange.
type AuthOutcome struct {
	Success bool
	Message string
}

// Bytes encodes the outcome with little-endian status and message length.
func (a AuthOutcome) Bytes() []byte {
	if a.Success {
		return make([]byte, 4)
	}
	b := make([]byte, 8+len(a.Message))
	binary.LittleEndian.PutUint32(b[0:], 1)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(a.Message))) // #nosec G115 - message is short
	copy(b[8:], a.Message)
	return b
}

// AuthResultLength returns the framed size of an auth result at the start of b.
func AuthResultLength(b []byte) (int, error) {
	if err := requireLength("AuthResultLength", b, 4); err != nil {
		return 0, err
	}
	if u32LE(b, 0) == 0 {
		return 4, nil
	}
	if err := requireLength("AuthResultLength", b, 8); err != nil {
		return 0, err
	}
	n := u32LE(b, 4)
	if err := newInputValidator().ValidateMessageLength(n, MaxAuthMessageLength); err != nil {
		return 0, malformedError("AuthResultLength", "auth failure message too long", err)
	}
	return 8 + int(n), nil
}

// ParseAuthResult decodes the little-endian auth result status and message.
func ParseAuthResult(b []byte) (AuthOutcome, error) {
	size, err := AuthResultLength(b)
	if err != nil {
		return AuthOutcome{}, err
	}
	if err := requireLength("ParseAuthResult", b, size); err != nil {
		return AuthOutcome{}, err
	}
	if size == 4 {
		return AuthOutcome{Success: true}, nil
	}
	msg := newInputValidator().SanitizeText(string(b[8:size]))
	return AuthOutcome{Success: false, Message: msg}, nil
}

// ServerInit carries the remote screen size and device name sent after auth.
type ServerInit struct {
	Width  int
	Height int
	Name   string
}

const serverInitHeaderLength = 24

// Bytes encodes the initialisation message.
func (s ServerInit) Bytes() []byte {
	b := make([]byte, serverInitHeaderLength+len(s.Name))
	putU16BE(b[0:], uint16(s.Width))  // #nosec G115 - screen dimensions fit u16
	putU16BE(b[2:], uint16(s.Height)) // #nosec G115 - screen dimensions fit u16
	putU32BE(b[20:], uint32(len(s.Name)))
	copy(b[serverInitHeaderLength:], s.Name)
	return b
}

// ServerInitLength returns the framed size of the initialisation message.
func ServerInitLength(b []byte) (int, error) {
	if err := requireLength("ServerInitLength", b, serverInitHeaderLength); err != nil {
		return 0, err
	}
	n := u32BE(b, 20)
	if err := newInputValidator().ValidateMessageLength(n, MaxDesktopNameLength); err != nil {
		return 0, malformedError("ServerInitLength", "device name too long", err)
	}
	return serverInitHeaderLength + int(n), nil
}

// ParseServerInit decodes the initialisation message.
func ParseServerInit(b []byte) (ServerInit, error) {
	size, err := ServerInitLength(b)
	if err != nil {
		return ServerInit{}, err
	}
	if err := requireLength("ParseServerInit", b, size); err != nil {
		return ServerInit{}, err
	}
	return ServerInit{
		Width:  int(u16BE(b, 0)),
		Height: int(u16BE(b, 2)),
		Name:   string(b[serverInitHeaderLength:size]),
	}, nil
}
