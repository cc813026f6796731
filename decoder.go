// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import "image"

// VideoDecoder turns compressed video payloads into images. A nil image with
// a nil error means the decoder needs more data before it can emit a frame.
type VideoDecoder interface {
	DecodeVideo(encoding EncodingType, payload []byte) (image.Image, error)
	Close() error
}

// AudioDecoder turns G.726 payloads into PCM samples.
type AudioDecoder interface {
	DecodeAudio(family AudioFamily, payload []byte) ([]byte, error)
	Close() error
}
