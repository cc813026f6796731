// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"context"
	"errors"
	"image"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingMetrics keeps counter totals by metric name.
type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	observed map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		observed: make(map[string]int),
	}
}

func (m *recordingMetrics) Counter(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += value
}

func (m *recordingMetrics) Gauge(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

func (m *recordingMetrics) Histogram(name string, value float64, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed[name]++
}

func (m *recordingMetrics) counter(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// stubVideoDecoder returns a fixed image for every payload.
type stubVideoDecoder struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (d *stubVideoDecoder) DecodeVideo(encoding EncodingType, payload []byte) (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

func (d *stubVideoDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// stubAudioDecoder doubles the payload.
type stubAudioDecoder struct{}

func (stubAudioDecoder) DecodeAudio(family AudioFamily, payload []byte) ([]byte, error) {
	return append(append([]byte{}, payload...), payload...), nil
}

func (stubAudioDecoder) Close() error { return nil }

// pipeSession returns a session over net.Pipe whose far end is drained.
func pipeSession(t *testing.T, options ...SessionOption) *Session {
	t.Helper()
	client, server := net.Pipe()
	go func() { _, _ = io.Copy(io.Discard, server) }()
	t.Cleanup(func() { _ = server.Close() })
	return NewSession(client, options...)
}

func TestSession_HandshakeNone(t *testing.T) {
	s, conn, events := connect(t, WithChannel(0))
	conn.handshake(defaultHandshake())

	device := waitEvent(t, events, EventDevice).Data.(*DeviceDescriptor)
	assert.Equal(t, "KVM0001", device.ID)
	assert.Equal(t, VersionInfo{Major: 3, Minor: 8}, waitEvent(t, events, EventVersion).Data)
	waitEvent(t, events, EventAuthSuccess)
	assert.Equal(t, ImageInfo{Width: 1024, Height: 768}, waitEvent(t, events, EventImageInfo).Data)
	waitEvent(t, events, EventAfterInitialisation)

	assert.Equal(t, StageNormal, s.Stage())
	assert.False(t, s.IsBeforeNormal())

	ctx := s.Context()
	assert.Equal(t, SecurityNone, ctx.SecurityType)
	assert.Equal(t, ImageInfo{Width: 1024, Height: 768}, ctx.Image)
	assert.Equal(t, "127.0.0.1", ctx.IP)
	assert.NotZero(t, ctx.Port)
	assert.Equal(t, s.ID(), ctx.ID)
	require.NotNil(t, ctx.Device)
	assert.Equal(t, 4, ctx.Device.ChannelCount)
	assert.Equal(t, uint64(12+1+2+1), ctx.FlowOut)
}

func TestSession_HandshakeVNCAuth(t *testing.T) {
	s, conn, events := connect(t, WithChannel(3), WithCredentials("admin", "secret"))

	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityVNCAuth, SecurityCentralize}
	h.OfferSeparate = true
	h.Security = SecurityVNCAuth
	h.Channel = 3
	h.Account = "admin"
	h.Password = "secret"
	conn.handshake(h)

	waitEvent(t, events, EventAfterInitialisation)
	assert.Equal(t, SecurityVNCAuth, s.Context().SecurityType)
}

func TestSession_HandshakeCentralize(t *testing.T) {
	tests := []struct {
		name     string
		subtype  SecurityType
		password string
	}{
		{"vnc sub-type", SecurityVNCAuth, "pw1234"},
		{"none sub-type", SecurityNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn, events := connect(t, WithChannel(2), WithCredentials("operator", tt.password))

			h := defaultHandshake()
			h.Offer = []SecurityType{SecurityCentralize}
			h.Security = SecurityCentralize
			h.CentralizeSubtype = tt.subtype
			h.Channel = 2
			h.Account = "operator"
			h.Password = tt.password
			conn.handshake(h)

			waitEvent(t, events, EventAfterInitialisation)
		})
	}
}

func TestSession_RequireAuth(t *testing.T) {
	s, conn, events := connect(t, WithChannel(1))

	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityVNCAuth}
	h.Security = SecurityVNCAuth
	h.Channel = 1
	h.Account = "admin"
	h.Password = "typed"
	conn.greet(h)

	ev := waitEvent(t, events, EventRequireAuth)
	assert.Equal(t, AuthRequest{Offer: SecurityOffer{Types: h.Offer}, Selected: SecurityVNCAuth}, ev.Data)
	assert.Equal(t, StageSecurityTypes, s.Stage())

	require.NoError(t, s.SubmitCredentials(SecurityVNCAuth, "admin", "typed"))
	conn.authenticate(h)
	waitEvent(t, events, EventAfterInitialisation)

	err := s.SubmitCredentials(SecurityVNCAuth, "admin", "typed")
	assert.True(t, IsKVMError(err, ErrProtocolViolation), "credentials are only accepted once")
}

func TestSession_RequireAuthFromHandler(t *testing.T) {
	handler := EventHandlerFunc(func(s *Session, ev Event) {
		if ev.Kind == EventRequireAuth {
			_ = s.SubmitCredentials(ev.Data.(AuthRequest).Selected, "", "secret")
		}
	})
	_, conn, events := connect(t, WithEventHandler(handler))

	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityVNCAuth}
	h.Security = SecurityVNCAuth
	h.Password = "secret"
	conn.handshake(h)

	waitEvent(t, events, EventAfterInitialisation)
}

func TestSession_AuthFailureCloses(t *testing.T) {
	s, conn, events := connect(t, WithCredentials("admin", "wrong"))

	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityVNCAuth}
	h.Security = SecurityVNCAuth
	h.Account = "admin"
	h.Password = "wrong"
	h.Reject = "bad password"
	conn.handshake(h)

	assert.Equal(t, "bad password", waitEvent(t, events, EventAuthFailed).Data)
	closeEv := waitEvent(t, events, EventClose)
	assert.Contains(t, closeEv.Data, "bad password")

	waitClosed(t, s)
	assert.Equal(t, StageInvalid, s.Stage())
	assert.Contains(t, s.CloseReason(), "bad password")
}

func TestSession_NoAuthHandler(t *testing.T) {
	appliance := StartMockAppliance(t)
	s, err := Dial(context.Background(), appliance.Addr())
	require.NoError(t, err)
	defer s.Close()

	conn := appliance.Accept(t)
	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityVNCAuth}
	conn.greet(h)

	waitClosed(t, s)
	assert.Contains(t, s.CloseReason(), "no authentication handler")
}

func TestSession_UnsupportedSecurity(t *testing.T) {
	s, conn, events := connect(t)

	h := defaultHandshake()
	h.Offer = []SecurityType{SecurityUKey, SecurityRemoteAuth}
	conn.greet(h)

	ev := waitEvent(t, events, EventProtocolError)
	assert.True(t, IsKVMError(ev.Err, ErrProtocolViolation))
	waitClosed(t, s)
}

func TestSession_WritesBeforeNormal(t *testing.T) {
	s := pipeSession(t)
	defer s.Close()

	tests := []struct {
		name  string
		write func() error
	}{
		{"key press", func() error { return s.WriteKeyPress('a') }},
		{"mouse", func() error { return s.WriteMouseEvent(MouseEvent{Mode: MouseAbsolute, X: 1, Y: 1}) }},
		{"video param", s.WriteVideoParamRequest},
		{"audio param", s.WriteAudioParamRequest},
		{"mouse type", s.WriteMouseTypeRequest},
		{"key status", s.WriteKeyStatusRequest},
		{"broadcast", s.WriteBroadcastStatusRequest},
		{"custom mouse", func() error { return s.WriteCustomMouseType(MouseRelative) }},
		{"vm close", s.WriteVMClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.write(), ErrNotSent)
		})
	}

	assert.NoError(t, s.WriteKeepAlive(), "keep-alive is dropped silently before normal")
	assert.True(t, IsKVMError(s.WriteVMLinkRequest(), ErrProtocolViolation), "viewer cannot link media")
}

func TestSession_VMLinkBeforeNormal(t *testing.T) {
	s := pipeSession(t, WithRole(RoleVM), WithMedia(NewMediaDescriptor("/images/a.iso", false)))
	defer s.Close()

	assert.ErrorIs(t, s.WriteVMLinkRequest(), ErrNotSent)
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	events := make(chan Event, 16)
	decoder := &stubVideoDecoder{}
	s := pipeSession(t, WithRole(RoleVM), WithEventChannel(events), WithVideoDecoder(decoder))

	s.Destroy()
	s.Destroy()
	assert.True(t, decoder.closed)

	s.GracefulClose("first")
	s.GracefulClose("second")
	require.NoError(t, s.Close())

	waitClosed(t, s)
	assert.Equal(t, "first", s.CloseReason())
	assert.Equal(t, StageInvalid, s.Stage())

	closes := 0
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventClose {
			closes++
			assert.Equal(t, "first", ev.Data)
		}
	}
	assert.Equal(t, 1, closes)
}

func TestSession_RunTwice(t *testing.T) {
	client, server := net.Pipe()
	s := NewSession(client)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	version := make([]byte, VersionLength)
	_, err := io.ReadFull(server, version)
	require.NoError(t, err)
	assert.Equal(t, Version38.Bytes(), version)

	assert.True(t, IsKVMError(s.Run(context.Background()), ErrProtocolViolation))

	require.NoError(t, server.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, "connection closed by remote", s.CloseReason())
}

func TestSession_NormalMessages(t *testing.T) {
	_, conn, events := connectNormal(t)

	conn.send(KeyLockStatus{NumLock: true}.Bytes())
	assert.Equal(t, KeyLockStatus{NumLock: true}, waitEvent(t, events, EventKeyStatus).Data)

	conn.send([]byte{106, 1, 0, 0})
	assert.Equal(t, MouseTypeSetting{Mode: MouseAbsolute}, waitEvent(t, events, EventMouseType).Data)

	conn.send([]byte{105, 0, 0, 0, 0, 0, 0, 1})
	assert.Equal(t, AudioParam{Mute: false}, waitEvent(t, events, EventAudioParam).Data)

	status := BroadcastStatus{}
	status.Channels[3] = 1
	set := BroadcastSetResult{Success: true}
	conn.send(status.Bytes(), set.Bytes())
	assert.True(t, waitEvent(t, events, EventBroadcastStatus).Data.(BroadcastStatus).Enabled(3))
	assert.True(t, waitEvent(t, events, EventBroadcastSet).Data.(BroadcastSetResult).Success)

	param := VideoParam{Brightness: -4, Contrast: 60}
	msg := param.Bytes()
	msg[0] = byte(ReadVideoParam)
	conn.send(msg)
	assert.Equal(t, param, waitEvent(t, events, EventVideoParam).Data)
}

func TestSession_VideoFrames(t *testing.T) {
	decoder := &stubVideoDecoder{}
	metrics := newRecordingMetrics()
	s, conn, events := connectNormal(t, WithVideoDecoder(decoder), WithMetrics(metrics))

	conn.send(streamFrame(1024, 768, EncodingH264, []byte{0, 0, 0, 1, 0x67}, nil))
	frame := waitEvent(t, events, EventVideoFrame).Data.(VideoFrame)
	assert.Equal(t, EncodingH264, frame.Encoding)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67}, frame.Payload)
	_, ok := waitEvent(t, events, EventDecodedFrame).Data.(image.Image)
	assert.True(t, ok)

	// A resolution-only update is recognised once the next record is buffered.
	conn.send(resolutionFrame(1920, 1080), streamFrame(1920, 1080, EncodingH265, []byte{9}, nil))
	assert.Equal(t, ImageInfo{Width: 1920, Height: 1080}, waitEvent(t, events, EventImageInfoChanged).Data)
	waitEvent(t, events, EventVideoFrame)

	ctx := s.Context()
	assert.Equal(t, uint64(3), ctx.FrameFlow)
	assert.True(t, ctx.EncodingKnown)
	assert.Equal(t, EncodingH264, ctx.Encoding, "encoding is fixed by the first stream frame")
	assert.Equal(t, ImageInfo{Width: 1920, Height: 1080}, ctx.Image)

	stats := s.VideoStats()
	assert.Equal(t, uint64(2), stats.Frames)
	assert.Equal(t, float64(2), metrics.counter(MetricVideoFrames))

	_ = s.Close()
	assert.True(t, decoder.closed)
}

func TestSession_Audio(t *testing.T) {
	_, conn, events := connectNormal(t, WithAudioDecoder(stubAudioDecoder{}))

	conn.send(audioMessage([]byte{1, 2, 3, 4}))
	frame := waitEvent(t, events, EventAudio).Data.(AudioFrame)
	assert.Equal(t, AudioNormal, frame.Family)
	assert.Equal(t, []byte{1, 2, 3, 4}, frame.Payload)
	assert.Equal(t, []byte{1, 2, 3, 4, 1, 2, 3, 4}, frame.PCM)
}

func TestSession_InputWrites(t *testing.T) {
	s, conn, events := connectNormal(t)

	require.NoError(t, s.WriteKeyPress('a'))
	conn.expect(append(KeyEvent{Down: true, Key: 'a'}.Bytes(), KeyEvent{Key: 'a'}.Bytes()...))

	require.NoError(t, s.WriteMouseEvents(
		MouseEvent{Mode: MouseRelative, X: -1, Y: 2},
		MouseEvent{Mode: MouseRelative, Button: 1},
	))
	conn.expect([]byte{5, 0x80, 0xFF, 0xFF, 0, 2, 5, 0x81, 0, 0, 0, 0})

	require.NoError(t, s.WriteCustomMouseType(MouseAbsolute))
	conn.expect([]byte{110, 1, 0, 0})
	assert.Equal(t, MouseTypeSetting{Mode: MouseAbsolute}, waitEvent(t, events, EventMouseTypeWritten).Data)

	require.NoError(t, s.WriteVideoParamRequest())
	conn.expect(VideoParamRequest())

	require.NoError(t, s.WriteBroadcastSetRequest([]int{0, 2}, true, true))
	msg := conn.read(BroadcastLength)
	assert.Equal(t, []byte{202, 0, 1, 1, 1, 0, 1}, msg[:7])

	require.NoError(t, s.WriteKeepAlive())
	conn.expect(KeepAliveRequest())

	assert.True(t, IsKVMError(s.WriteKeyPress(0), ErrValidation))
	assert.True(t, IsKVMError(s.WriteBroadcastSetRequest([]int{MaxChannels}, true, false), ErrValidation))
}

func TestSession_ConcurrentWritesDoNotInterleave(t *testing.T) {
	s, conn, _ := connectNormal(t)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(key uint32) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = s.WriteKeyPress(key)
			}
		}(uint32('a' + w))
	}
	wg.Wait()

	for i := 0; i < writers*perWriter; i++ {
		pair := conn.read(2 * KeyEventLength)
		down, err := ParseKeyEvent(pair[:KeyEventLength])
		require.NoError(t, err)
		up, err := ParseKeyEvent(pair[KeyEventLength:])
		require.NoError(t, err)
		assert.True(t, down.Down)
		assert.False(t, up.Down)
		assert.Equal(t, down.Key, up.Key)
	}
}

func vmOptions(disk *memDisk) []SessionOption {
	return []SessionOption{
		WithRole(RoleVM),
		WithMedia(NewMediaDescriptor("/images/install.iso", false)),
		WithDiskOpener(func(MediaDescriptor) (DiskBackend, error) { return disk, nil }),
	}
}

func TestSession_VMReadWrite(t *testing.T) {
	disk := newMemDisk(OpticalSectorSize, 16)
	s, conn, events := connectNormal(t, vmOptions(disk)...)

	require.NoError(t, s.WriteVMLinkRequest())
	link, err := ParseVMLink(conn.read(VMLinkLength))
	require.NoError(t, err)
	assert.Equal(t, VMLink{Optical: true, ReadOnly: true, SectorSize: OpticalSectorSize, SectorCount: 16}, link)
	waitEvent(t, events, EventRefreshVMContext)

	conn.send(VMReadRequest{Offset: 2048, Count: 512}.Bytes())
	reply := conn.read(VMReadReplyHeaderLength + 512)
	assert.Equal(t, []byte{12, 0, 0, 0, 0x02, 0x00}, reply[:VMReadReplyHeaderLength])
	assert.Equal(t, disk.bytesAt(2048, 512), reply[VMReadReplyHeaderLength:])
	conn.expect(KeepAliveRequest())

	ctx := waitEvent(t, events, EventRefreshVMContext).Data.(SessionContext)
	assert.Equal(t, uint64(512), ctx.ReadByteCount)
	waitEvent(t, events, EventVMReadStarting)

	conn.send(VMWriteRequest{Offset: 100, Data: []byte{9, 9, 9}}.Bytes())
	waitEvent(t, events, EventVMWriteStarting)
	ctx = waitEvent(t, events, EventRefreshVMContext).Data.(SessionContext)
	assert.Equal(t, uint64(3), ctx.WriteByteCount)
	assert.Equal(t, []byte{9, 9, 9}, disk.bytesAt(100, 3))

	require.NoError(t, s.Close())
	conn.expect(VMCloseRequest())
	assert.True(t, disk.isClosed())
}

func TestSession_VMReadFullCount(t *testing.T) {
	disk := newMemDisk(DiskSectorSize, 256)
	s, conn, _ := connectNormal(t, append(vmOptions(disk), WithMedia(NewMediaDescriptor("/dev/sdb", true)))...)

	require.NoError(t, s.WriteVMLinkRequest())
	conn.read(VMLinkLength)

	conn.send(VMReadRequest{Offset: 0, Count: 65536}.Bytes())
	reply := conn.read(VMReadReplyHeaderLength + 65536)
	assert.Equal(t, []byte{0, 0}, reply[4:6])
	assert.Equal(t, disk.bytesAt(0, 65536), reply[VMReadReplyHeaderLength:])
}

func TestSession_VMLinkFailures(t *testing.T) {
	tests := []struct {
		name   string
		opener DiskOpener
	}{
		{"opener error", func(MediaDescriptor) (DiskBackend, error) { return nil, errors.New("eacces") }},
		{"no sectors", func(MediaDescriptor) (DiskBackend, error) { return newMemDisk(DiskSectorSize, 0), nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := connectNormal(t,
				WithRole(RoleVM),
				WithMedia(NewMediaDescriptor("/dev/sdb", true)),
				WithDiskOpener(tt.opener))

			err := s.WriteVMLinkRequest()
			require.Error(t, err)
			assert.True(t, IsKVMError(err, ErrStorageUnavailable))
			assert.Equal(t, StageNormal, s.Stage(), "a failed link leaves the session open")
		})
	}
}

func TestSession_VMLinkWithoutMedia(t *testing.T) {
	disk := newMemDisk(DiskSectorSize, 8)
	s, conn, _ := connectNormal(t,
		WithRole(RoleVM),
		WithDiskOpener(func(MediaDescriptor) (DiskBackend, error) { return disk, nil }))

	assert.True(t, IsKVMError(s.WriteVMLinkRequest(), ErrStorageUnavailable))

	s.SetMedia(NewMediaDescriptor("/dev/sdc", true))
	require.NoError(t, s.WriteVMLinkRequest())
	link, err := ParseVMLink(conn.read(VMLinkLength))
	require.NoError(t, err)
	assert.Equal(t, uint32(8), link.SectorCount)
	assert.False(t, link.ReadOnly)
}

func TestSession_KeepAliveOnIdle(t *testing.T) {
	_, conn, _ := connectNormal(t, WithIdleTimeout(50*time.Millisecond))

	conn.expect(KeepAliveRequest())
	conn.expect(KeepAliveRequest())
}

func TestSession_VMIdleNotifies(t *testing.T) {
	_, conn, events := connectNormal(t, WithRole(RoleVM), WithIdleTimeout(50*time.Millisecond))

	waitEvent(t, events, EventVMReadEnd)
	waitEvent(t, events, EventVMWriteEnd)
	waitEvent(t, events, EventVMWriteEnd)
	conn.expectSilence(300 * time.Millisecond)
}

func TestSession_VMLinkAfterDestroy(t *testing.T) {
	disk := newMemDisk(DiskSectorSize, 8)
	var s *Session
	opener := func(MediaDescriptor) (DiskBackend, error) {
		s.Destroy()
		return disk, nil
	}
	s, _, _ = connectNormal(t,
		WithRole(RoleVM),
		WithMedia(NewMediaDescriptor("/dev/sdb", true)),
		WithDiskOpener(opener))

	err := s.WriteVMLinkRequest()
	assert.True(t, IsKVMError(err, ErrStorageUnavailable))
	assert.True(t, disk.isClosed(), "backend opened during teardown is closed")
}

func TestSession_CloseWhileWriteBlocked(t *testing.T) {
	for _, role := range []Role{RoleViewer, RoleVM} {
		t.Run(role.String(), func(t *testing.T) {
			// Nothing reads the far end, so the version write blocks.
			client, server := net.Pipe()
			defer server.Close()
			s := NewSession(client, WithRole(role))

			runErr := make(chan error, 1)
			go func() { runErr <- s.Run(context.Background()) }()
			time.Sleep(50 * time.Millisecond)

			closed := make(chan struct{})
			go func() {
				_ = s.Close()
				close(closed)
			}()

			select {
			case <-closed:
			case <-time.After(2 * time.Second):
				t.Fatal("Close did not return while a write was pending")
			}
			select {
			case err := <-runErr:
				assert.Error(t, err)
			case <-time.After(testTimeout):
				t.Fatal("Run did not return")
			}
			assert.Equal(t, "closed by client", s.CloseReason())
		})
	}
}

func TestSession_FailedStartClosesOnce(t *testing.T) {
	client, server := net.Pipe()
	require.NoError(t, server.Close())
	events := make(chan Event, 16)
	s := NewSession(client, WithEventChannel(events))

	err := s.Run(context.Background())
	assert.True(t, IsKVMError(err, ErrNetwork))
	waitClosed(t, s)

	closes := 0
	for len(events) > 0 {
		if ev := <-events; ev.Kind == EventClose {
			closes++
			assert.Equal(t, "failed to send protocol version", ev.Data)
		}
	}
	assert.Equal(t, 1, closes)
}

func TestSession_InvalidConfig(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithChannel(MaxChannels))
	assert.True(t, IsKVMError(err, ErrConfiguration))

	s := pipeSession(t, WithWriteTimeout(-time.Second))
	err = s.Run(context.Background())
	assert.True(t, IsKVMError(err, ErrConfiguration))
	waitClosed(t, s)
}

func TestSession_RemoteClose(t *testing.T) {
	s, conn, events := connectNormal(t)

	conn.close()
	assert.Equal(t, "connection closed by remote", waitEvent(t, events, EventClose).Data)
	waitClosed(t, s)
}

func TestSession_ContextCancel(t *testing.T) {
	appliance := StartMockAppliance(t)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := Dial(ctx, appliance.Addr())
	require.NoError(t, err)
	appliance.Accept(t)

	cancel()
	waitClosed(t, s)
	assert.Equal(t, "context cancelled", s.CloseReason())
}

func TestSession_ProtocolErrorCloses(t *testing.T) {
	metrics := newRecordingMetrics()
	s, conn, events := connectNormal(t, WithMetrics(metrics))

	oversized := streamFrame(1, 1, EncodingH264, nil, nil)
	oversized[16] = 0xFF
	conn.send(oversized)

	ev := waitEvent(t, events, EventProtocolError)
	assert.True(t, IsKVMError(ev.Err, ErrMalformedPacket))
	assert.Equal(t, ev.Err.Error(), ev.Message)

	waitClosed(t, s)
	assert.Equal(t, float64(1), metrics.counter(MetricProtocolErrors))
	assert.Equal(t, float64(1), metrics.counter(MetricSessionsOpened))
	assert.Equal(t, float64(1), metrics.counter(MetricSessionsClosed))
}

func TestSession_MaxBufferSize(t *testing.T) {
	s, conn, events := connect(t, WithMaxBufferSize(64))

	conn.expect(Version38.Bytes())
	conn.send(EncodeDeviceBlock(Version38, DeviceTypeEV4000A, testModules()))

	ev := waitEvent(t, events, EventProtocolError)
	assert.True(t, IsKVMError(ev.Err, ErrMalformedPacket))
	assert.Contains(t, ev.Message, "exceeds 64 bytes")
	waitClosed(t, s)
}

func TestSession_DialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Dial(context.Background(), addr, WithConnectTimeout(time.Second))
	require.Error(t, err)
	assert.True(t, IsKVMError(err, ErrNetwork, ErrTimeout))
}

func TestSession_DefaultPort(t *testing.T) {
	assert.Equal(t, "10.0.0.20:5900", withDefaultPort("10.0.0.20"))
	assert.Equal(t, "10.0.0.20:5901", withDefaultPort("10.0.0.20:5901"))
	assert.True(t, strings.HasSuffix(withDefaultPort("::1"), "]:5900"))
}
