// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"bytes"
	"fmt"
)

// EncodingType identifies the compression of a video payload.
type EncodingType int

// Video encodings.
const (
	EncodingNone      EncodingType = -1
	EncodingH264      EncodingType = 7
	EncodingH265      EncodingType = 9
	EncodingImageInfo EncodingType = -223
)

// ParseEncodingType maps a wire code to an encoding, falling back to EncodingNone.
func ParseEncodingType(code int) EncodingType {
	switch t := EncodingType(code); t {
	case EncodingH264, EncodingH265, EncodingImageInfo:
		return t
	default:
		return EncodingNone
	}
}

// String returns the encoding name.
func (e EncodingType) String() string {
	switch e {
	case EncodingNone:
		return "None"
	case EncodingH264:
		return "H264"
	case EncodingH265:
		return "H265"
	case EncodingImageInfo:
		return "ImageInfo"
	default:
		return fmt.Sprintf("EncodingType(%d)", int(e))
	}
}

// ImageInfo is the remote screen geometry.
type ImageInfo struct {
	Width  int
	Height int
}

// Frame buffer update subtypes carried in byte 3.
const (
	videoSubtypeEmpty     = 0
	videoSubtypeStream    = 1
	videoSubtypeWithImage = 2
)

// resolutionMarker in bytes 12..15 flags a resolution-change-only message.
var resolutionMarker = []byte{0xFF, 0xFF, 0xFF, 0x21}

// VideoFrame is one decoded frame buffer update.
type VideoFrame struct {
	Subtype           uint8
	ResolutionChanged bool
	Image             ImageInfo
	Encoding          EncodingType
	Payload           []byte
}

// HasStream reports whether the frame carries an encoded payload.
func (f VideoFrame) HasStream() bool {
	return f.Payload != nil
}

func isResolutionChange(b []byte) bool {
	return len(b) >= ResolutionChangeLength && bytes.Equal(b[12:16], resolutionMarker)
}

// VideoFrameLength returns the framed size of the frame buffer update at the
// start of b.
func VideoFrameLength(b []byte) (int, error) {
	if err := requireLength("VideoFrameLength", b, headerLength); err != nil {
		return 0, err
	}

	switch b[3] {
	case videoSubtypeEmpty:
		return headerLength, nil
	case videoSubtypeStream, videoSubtypeWithImage:
		if err := requireLength("VideoFrameLength", b, VideoFrameMinLength); err != nil {
			return 0, err
		}
		if b[3] == videoSubtypeStream && isResolutionChange(b) {
			return ResolutionChangeLength, nil
		}
		size := u32BE(b, 16)
		if err := newInputValidator().ValidateMessageLength(size, MaxVideoPayload); err != nil {
			return 0, malformedError("VideoFrameLength", "video payload too large", err)
		}
		if b[3] == videoSubtypeWithImage {
			return VideoFrameMinLength + int(size) + ImageInfoTrailerLength, nil
		}
		return VideoFrameMinLength + int(size), nil
	default:
		return 0, unsupportedError("VideoFrameLength", fmt.Sprintf("unknown frame buffer subtype %d", b[3]), nil)
	}
}

// VideoStats summarizes the video traffic seen by an assembler.
type VideoStats struct {
	Frames            uint64
	PayloadBytes      uint64
	ResolutionChanges uint64
	LastWidth         int
	LastHeight        int
}

// VideoAssembler turns frame buffer update messages into VideoFrames while
// tracking the current image geometry. It is not safe for concurrent use;
// a session owns one and calls it from its read loop.
type VideoAssembler struct {
	image ImageInfo
	stats VideoStats
}

// NewVideoAssembler creates an assembler with an unknown image size.
func NewVideoAssembler() *VideoAssembler {
	return &VideoAssembler{}
}

// Image returns the geometry of the latest frame.
func (a *VideoAssembler) Image() ImageInfo {
	return a.image
}

// Stats returns a copy of the running statistics.
func (a *VideoAssembler) Stats() VideoStats {
	return a.stats
}

// Reset forgets the current geometry, for example after a new ServerInit.
func (a *VideoAssembler) Reset(info ImageInfo) {
	a.image = info
}

// Parse decodes one complete frame buffer update message.
func (a *VideoAssembler) Parse(msg []byte) (VideoFrame, error) {
	size, err := VideoFrameLength(msg)
	if err != nil {
		return VideoFrame{}, err
	}
	if err := requireLength("VideoAssembler.Parse", msg, size); err != nil {
		return VideoFrame{}, err
	}

	frame := VideoFrame{Subtype: msg[3], Encoding: EncodingNone}
	switch msg[3] {
	case videoSubtypeEmpty:
		frame.Image = a.image
		return frame, nil
	case videoSubtypeStream:
		if size == ResolutionChangeLength {
			frame.ResolutionChanged = a.applyImageInfo(msg[4:ResolutionChangeLength])
			frame.Image = a.image
			return frame, nil
		}
	case videoSubtypeWithImage:
		trailer := msg[size-ImageInfoTrailerLength : size]
		frame.ResolutionChanged = a.applyImageInfo(trailer)
	}

	a.parseStream(msg, &frame)
	return frame, nil
}

// applyImageInfo reads the signed width and height at the start of info and
// reports whether they differ from the current geometry.
func (a *VideoAssembler) applyImageInfo(info []byte) bool {
	width, height := i16BE(info, 0), i16BE(info, 2)
	if width == a.image.Width && height == a.image.Height {
		return false
	}
	a.image = ImageInfo{Width: width, Height: height}
	a.stats.ResolutionChanges++
	return true
}

func (a *VideoAssembler) parseStream(msg []byte, frame *VideoFrame) {
	a.image = ImageInfo{Width: i16BE(msg, 8), Height: i16BE(msg, 10)}
	frame.Image = a.image
	frame.Encoding = ParseEncodingType(int(int8(msg[15])))

	n := int(u32BE(msg, 16))
	frame.Payload = make([]byte, n)
	copy(frame.Payload, msg[VideoFrameMinLength:VideoFrameMinLength+n])

	a.stats.Frames++
	a.stats.PayloadBytes += uint64(n) // #nosec G115 - n is non-negative
	a.stats.LastWidth = a.image.Width
	a.stats.LastHeight = a.image.Height
}

// AudioFamily selects the audio framing used by a device.
type AudioFamily int

// Audio framing families.
const (
	AudioNormal AudioFamily = iota
	AudioHiSilicon
)

// String returns the family name.
func (f AudioFamily) String() string {
	if f == AudioHiSilicon {
		return "hisilicon"
	}
	return "normal"
}

// AudioFamilyFor returns the audio framing family for a device type.
func AudioFamilyFor(deviceType uint8) AudioFamily {
	switch deviceType {
	case DeviceTypeEV5000, DeviceTypeEV6000A, DeviceTypeRCM101:
		return AudioHiSilicon
	default:
		return AudioNormal
	}
}

// AudioFrame is one G.726 audio payload. PCM is filled in by the session
// when an AudioDecoder is configured.
type AudioFrame struct {
	Family  AudioFamily
	Payload []byte
	PCM     []byte
}

// AudioFrameLength returns the framed size of the audio message at the start of b.
func AudioFrameLength(b []byte) (int, error) {
	if err := requireLength("AudioFrameLength", b, AudioFrameMinLength); err != nil {
		return 0, err
	}
	size := u32BE(b, 4)
	if err := newInputValidator().ValidateMessageLength(size, MaxAudioPayload); err != nil {
		return 0, malformedError("AudioFrameLength", "audio payload too large", err)
	}
	return 8 + int(size), nil
}

// ParseAudioFrame extracts the audio payload. HiSilicon devices carry a
// 4-byte sub-header, so their payload starts at 12 and is 4 bytes shorter.
func ParseAudioFrame(deviceType uint8, msg []byte) (AudioFrame, error) {
	size, err := AudioFrameLength(msg)
	if err != nil {
		return AudioFrame{}, err
	}
	if err := requireLength("ParseAudioFrame", msg, size); err != nil {
		return AudioFrame{}, err
	}

	n := size - 8
	frame := AudioFrame{Family: AudioFamilyFor(deviceType)}
	start := 8
	if frame.Family == AudioHiSilicon {
		if n < 4 {
			return AudioFrame{}, malformedError("ParseAudioFrame",
				fmt.Sprintf("hisilicon audio size %d shorter than sub-header", n), nil)
		}
		start, n = 12, n-4
	}
	frame.Payload = make([]byte, n)
	copy(frame.Payload, msg[start:start+n])
	return frame, nil
}
