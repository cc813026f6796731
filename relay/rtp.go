// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package relay forwards session output: RTP for video players, raw
// elementary-stream recording, and a websocket feed of session events.
package relay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	kvm "github.com/tenthirtyam/go-kvm"
)

// RTP defaults.
const (
	DefaultMTU         = 1200
	H264PayloadType    = 96
	VideoClockRate     = 90000
	defaultFramePeriod = time.Second / 25
)

// ErrUnsupportedEncoding is returned for streams the relay cannot packetize.
var ErrUnsupportedEncoding = errors.New("relay: unsupported video encoding")

// RTPRelay packetizes H.264 access units from EventVideoFrame into RTP and
// sends them over UDP. Timestamps follow wall-clock arrival at 90 kHz.
type RTPRelay struct {
	conn   net.Conn
	logger kvm.Logger

	mu         sync.Mutex
	packetizer rtp.Packetizer
	last       time.Time
	packets    uint64
	closed     bool
}

var _ kvm.EventHandler = (*RTPRelay)(nil)

// NewRTPRelay dials addr over UDP. An mtu of zero uses DefaultMTU.
func NewRTPRelay(addr string, mtu int, logger kvm.Logger) (*RTPRelay, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rtp destination %s: %w", addr, err)
	}
	return newRTPRelay(conn, mtu, logger), nil
}

func newRTPRelay(conn net.Conn, mtu int, logger kvm.Logger) *RTPRelay {
	if mtu <= 0 || mtu > 0xFFFF {
		mtu = DefaultMTU
	}
	if logger == nil {
		logger = &kvm.NoOpLogger{}
	}
	return &RTPRelay{
		conn:   conn,
		logger: logger,
		packetizer: rtp.NewPacketizer(
			uint16(mtu), // #nosec G115 - bounded above
			H264PayloadType,
			rand.Uint32(), // #nosec G404 - SSRC only needs to be unlikely to collide
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			VideoClockRate,
		),
	}
}

// HandleEvent forwards video frames and ignores every other event.
func (r *RTPRelay) HandleEvent(_ *kvm.Session, ev kvm.Event) {
	if ev.Kind != kvm.EventVideoFrame {
		return
	}
	frame, ok := ev.Data.(kvm.VideoFrame)
	if !ok {
		return
	}
	if err := r.WriteFrame(frame, ev.Time); err != nil && !errors.Is(err, ErrUnsupportedEncoding) {
		r.logger.Warn("RTP relay write failed", kvm.Field{Key: "error", Value: err})
	}
}

// WriteFrame sends one access unit received at ts.
func (r *RTPRelay) WriteFrame(frame kvm.VideoFrame, ts time.Time) error {
	if frame.Encoding != kvm.EncodingH264 {
		return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, frame.Encoding)
	}
	if len(frame.Payload) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return net.ErrClosed
	}

	samples := uint32(VideoClockRate * defaultFramePeriod / time.Second)
	if !r.last.IsZero() && ts.After(r.last) {
		samples = uint32(ts.Sub(r.last) * VideoClockRate / time.Second) // #nosec G115 - gaps are short
	}
	r.last = ts

	for _, pkt := range r.packetizer.Packetize(frame.Payload, samples) {
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("failed to marshal rtp packet: %w", err)
		}
		if _, err := r.conn.Write(raw); err != nil {
			return fmt.Errorf("failed to send rtp packet: %w", err)
		}
		r.packets++
	}
	return nil
}

// Packets returns the number of RTP packets sent.
func (r *RTPRelay) Packets() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Close closes the UDP socket.
func (r *RTPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.conn.Close()
}
