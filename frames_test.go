// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamFrame builds a frame buffer update carrying payload. A non-nil
// trailer selects the with-image subtype.
func streamFrame(width, height int, encoding EncodingType, payload []byte, trailer *ImageInfo) []byte {
	size := VideoFrameMinLength + len(payload)
	subtype := byte(videoSubtypeStream)
	if trailer != nil {
		size += ImageInfoTrailerLength
		subtype = videoSubtypeWithImage
	}

	b := make([]byte, size)
	b[0] = byte(ReadFrameBufferUpdate)
	b[3] = subtype
	binary.BigEndian.PutUint16(b[8:], uint16(width))
	binary.BigEndian.PutUint16(b[10:], uint16(height))
	b[15] = byte(encoding)
	binary.BigEndian.PutUint32(b[16:], uint32(len(payload)))
	copy(b[VideoFrameMinLength:], payload)
	if trailer != nil {
		t := b[size-ImageInfoTrailerLength:]
		binary.BigEndian.PutUint16(t[0:], uint16(trailer.Width))
		binary.BigEndian.PutUint16(t[2:], uint16(trailer.Height))
	}
	return b
}

// resolutionFrame builds a resolution-change-only update.
func resolutionFrame(width, height int) []byte {
	b := make([]byte, ResolutionChangeLength)
	b[3] = videoSubtypeStream
	binary.BigEndian.PutUint16(b[4:], uint16(width))
	binary.BigEndian.PutUint16(b[6:], uint16(height))
	copy(b[12:], resolutionMarker)
	return b
}

// audioMessage builds an audio buffer update whose size field covers body.
func audioMessage(body []byte) []byte {
	b := make([]byte, 8, 8+len(body))
	b[0] = byte(ReadAudioBufferUpdate)
	binary.BigEndian.PutUint32(b[4:], uint32(len(body)))
	return append(b, body...)
}

func TestFrames_EncodingType(t *testing.T) {
	tests := []struct {
		code     int
		expected EncodingType
		name     string
	}{
		{7, EncodingH264, "H264"},
		{9, EncodingH265, "H265"},
		{-223, EncodingImageInfo, "ImageInfo"},
		{3, EncodingNone, "None"},
		{-1, EncodingNone, "None"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseEncodingType(tt.code)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.name, got.String())
		})
	}
}

func TestFrames_VideoFrameLength(t *testing.T) {
	payload := make([]byte, 100)

	tests := []struct {
		name     string
		data     []byte
		expected int
		code     ErrorCode
	}{
		{"empty update", []byte{0, 0, 0, 0}, 4, -1},
		{"stream", streamFrame(1024, 768, EncodingH264, payload, nil), VideoFrameMinLength + 100, -1},
		{"with image", streamFrame(1024, 768, EncodingH264, payload, &ImageInfo{1024, 768}), VideoFrameMinLength + 100 + ImageInfoTrailerLength, -1},
		{"resolution change", resolutionFrame(1280, 1024), ResolutionChangeLength, -1},
		{"short header", []byte{0, 0}, 0, ErrIncomplete},
		{"short stream header", []byte{0, 0, 0, 1, 0, 0, 0, 0}, 0, ErrIncomplete},
		{"unknown subtype", []byte{0, 0, 0, 9}, 0, ErrUnsupported},
		{"payload too large", func() []byte {
			b := streamFrame(1, 1, EncodingH264, nil, nil)
			binary.BigEndian.PutUint32(b[16:], MaxVideoPayload+1)
			return b
		}(), 0, ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := VideoFrameLength(tt.data)
			if tt.code >= 0 {
				require.Error(t, err)
				assert.Equal(t, tt.code, GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, n)
		})
	}
}

func TestFrames_AssemblerStream(t *testing.T) {
	a := NewVideoAssembler()
	a.Reset(ImageInfo{Width: 1024, Height: 768})

	frame, err := a.Parse(streamFrame(1024, 768, EncodingH264, []byte{0, 0, 0, 1, 0x67}, nil))
	require.NoError(t, err)
	assert.True(t, frame.HasStream())
	assert.False(t, frame.ResolutionChanged)
	assert.Equal(t, EncodingH264, frame.Encoding)
	assert.Equal(t, ImageInfo{Width: 1024, Height: 768}, frame.Image)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67}, frame.Payload)

	_, err = a.Parse(streamFrame(1024, 768, EncodingH265, make([]byte, 10), nil))
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, uint64(15), stats.PayloadBytes)
	assert.Equal(t, 1024, stats.LastWidth)
}

func TestFrames_AssemblerResolutionChange(t *testing.T) {
	a := NewVideoAssembler()
	a.Reset(ImageInfo{Width: 1024, Height: 768})

	frame, err := a.Parse(resolutionFrame(1920, 1080))
	require.NoError(t, err)
	assert.True(t, frame.ResolutionChanged)
	assert.False(t, frame.HasStream())
	assert.Equal(t, ImageInfo{Width: 1920, Height: 1080}, frame.Image)
	assert.Equal(t, ImageInfo{Width: 1920, Height: 1080}, a.Image())

	frame, err = a.Parse(resolutionFrame(1920, 1080))
	require.NoError(t, err)
	assert.False(t, frame.ResolutionChanged, "same geometry is not a change")
	assert.Equal(t, uint64(1), a.Stats().ResolutionChanges)
}

func TestFrames_AssemblerWithImage(t *testing.T) {
	a := NewVideoAssembler()

	frame, err := a.Parse(streamFrame(800, 600, EncodingH264, []byte{1, 2, 3}, &ImageInfo{Width: 800, Height: 600}))
	require.NoError(t, err)
	assert.True(t, frame.ResolutionChanged)
	assert.Equal(t, uint8(videoSubtypeWithImage), frame.Subtype)
	assert.Equal(t, []byte{1, 2, 3}, frame.Payload)
	assert.Equal(t, ImageInfo{Width: 800, Height: 600}, frame.Image)
}

func TestFrames_AssemblerEmpty(t *testing.T) {
	a := NewVideoAssembler()
	a.Reset(ImageInfo{Width: 640, Height: 480})

	frame, err := a.Parse([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	assert.False(t, frame.HasStream())
	assert.Equal(t, EncodingNone, frame.Encoding)
	assert.Equal(t, ImageInfo{Width: 640, Height: 480}, frame.Image)
	assert.Zero(t, a.Stats().Frames)
}

func TestFrames_AssemblerIncomplete(t *testing.T) {
	msg := streamFrame(800, 600, EncodingH264, make([]byte, 50), nil)
	_, err := NewVideoAssembler().Parse(msg[:40])
	assert.True(t, IsIncomplete(err))
}

func TestFrames_AudioFamily(t *testing.T) {
	tests := []struct {
		deviceType uint8
		expected   AudioFamily
	}{
		{DeviceTypeEV4000A, AudioNormal},
		{DeviceTypeEV5000, AudioHiSilicon},
		{DeviceTypeEV6000A, AudioHiSilicon},
		{DeviceTypeRCM101, AudioHiSilicon},
		{0, AudioNormal},
	}

	for _, tt := range tests {
		t.Run(tt.expected.String(), func(t *testing.T) {
			assert.Equal(t, tt.expected, AudioFamilyFor(tt.deviceType))
		})
	}
}

func TestFrames_AudioFrame(t *testing.T) {
	body := []byte{0xA0, 0xA1, 0xA2, 0xA3, 0x10, 0x11, 0x12}
	msg := audioMessage(body)

	n, err := AudioFrameLength(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	normal, err := ParseAudioFrame(DeviceTypeEV4000A, msg)
	require.NoError(t, err)
	assert.Equal(t, AudioNormal, normal.Family)
	assert.Equal(t, body, normal.Payload)

	hisi, err := ParseAudioFrame(DeviceTypeRCM101, msg)
	require.NoError(t, err)
	assert.Equal(t, AudioHiSilicon, hisi.Family)
	assert.Equal(t, []byte{0x10, 0x11, 0x12}, hisi.Payload)
}

func TestFrames_AudioFrameErrors(t *testing.T) {
	tests := []struct {
		name       string
		deviceType uint8
		data       []byte
		code       ErrorCode
	}{
		{"short header", DeviceTypeEV4000A, []byte{4, 0, 0, 0, 0, 0}, ErrIncomplete},
		{"short body", DeviceTypeEV4000A, audioMessage(make([]byte, 10))[:14], ErrIncomplete},
		{"hisilicon without sub-header", DeviceTypeEV5000, func() []byte {
			b := audioMessage(make([]byte, 4))
			binary.BigEndian.PutUint32(b[4:], 2)
			return b
		}(), ErrMalformedPacket},
		{"too large", DeviceTypeEV4000A, func() []byte {
			b := audioMessage(make([]byte, 4))
			binary.BigEndian.PutUint32(b[4:], MaxAudioPayload+1)
			return b
		}(), ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAudioFrame(tt.deviceType, tt.data)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetErrorCode(err))
		})
	}
}
