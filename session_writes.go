// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvm

import (
	"fmt"
	"time"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// closeWriteTimeout bounds the VM close notice sent during teardown.
const closeWriteTimeout = 250 * time.Millisecond

// write sends b as one unit. Writes from different goroutines never interleave.
func (s *Session) write(op string, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.transport == nil {
		return networkError(op, "no transport", nil)
	}
	if d, ok := s.transport.(writeDeadliner); ok && s.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.writeLocked(op, b)
}

// writeBounded sends b within timeout. The deadline is set before taking
// writeMu so that a write stuck on a peer that stopped reading fails first.
// Without write deadlines, b is dropped while another write is in flight.
func (s *Session) writeBounded(op string, b []byte, timeout time.Duration) error {
	d, ok := s.transport.(writeDeadliner)
	if !ok {
		if !s.writeMu.TryLock() {
			return networkError(op, "write in progress", nil)
		}
		defer s.writeMu.Unlock()
		return s.writeLocked(op, b)
	}

	_ = d.SetWriteDeadline(time.Now().Add(timeout))
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = d.SetWriteDeadline(time.Now().Add(timeout))
	defer func() { _ = d.SetWriteDeadline(time.Time{}) }()
	return s.writeLocked(op, b)
}

// writeLocked writes b. The caller holds writeMu.
func (s *Session) writeLocked(op string, b []byte) error {
	if _, err := s.transport.Write(b); err != nil {
		if isTimeout(err) {
			return timeoutError(op, "write timed out", err)
		}
		return networkError(op, "write failed", err)
	}

	s.writeMark.Store(time.Now().UnixNano())
	s.mu.Lock()
	s.sctx.FlowOut += uint64(len(b))
	s.mu.Unlock()
	s.metrics.Counter(MetricBytesWritten, float64(len(b)))
	return nil
}

// writeNormal sends b only once the handshake has completed.
func (s *Session) writeNormal(op string, b []byte) error {
	if s.IsBeforeNormal() {
		return ErrNotSent
	}
	return s.write(op, b)
}

// WriteKeyEvent sends a single key press or release.
func (s *Session) WriteKeyEvent(ev KeyEvent) error {
	return s.WriteKeyEvents(ev)
}

// WriteKeyEvents sends key events in order as one write. It returns
// ErrNotSent before the session reaches the normal stage.
func (s *Session) WriteKeyEvents(events ...KeyEvent) error {
	if s.IsBeforeNormal() {
		return ErrNotSent
	}

	validator := newInputValidator()
	buf := make([]byte, 0, len(events)*KeyEventLength)
	for _, ev := range events {
		if err := validator.ValidateKeySymbol(ev.Key); err != nil {
			return err
		}
		buf = append(buf, ev.Bytes()...)
	}
	if len(buf) == 0 {
		return nil
	}
	return s.writeNormal("Session.WriteKeyEvents", buf)
}

// WriteKeyPress sends a down and up event for key.
func (s *Session) WriteKeyPress(key uint32) error {
	return s.WriteKeyEvents(KeyPress(key)...)
}

// WriteMouseEvent sends a single pointer event.
func (s *Session) WriteMouseEvent(ev MouseEvent) error {
	return s.WriteMouseEvents(ev)
}

// WriteMouseEvents sends pointer events in order as one write.
func (s *Session) WriteMouseEvents(events ...MouseEvent) error {
	if s.IsBeforeNormal() {
		return ErrNotSent
	}

	buf := make([]byte, 0, len(events)*MouseEventLength)
	for _, ev := range events {
		buf = append(buf, ev.Bytes()...)
	}
	if len(buf) == 0 {
		return nil
	}
	return s.writeNormal("Session.WriteMouseEvents", buf)
}

// WriteKeepAlive tells the appliance the client is still present. Outside the
// normal stage it does nothing.
func (s *Session) WriteKeepAlive() error {
	if s.IsBeforeNormal() {
		return nil
	}
	if err := s.write("Session.WriteKeepAlive", KeepAliveRequest()); err != nil {
		return err
	}
	s.metrics.Counter(MetricKeepAlives, 1)
	return nil
}

// WriteVideoParamRequest asks for the current video adjustments.
func (s *Session) WriteVideoParamRequest() error {
	return s.writeNormal("Session.WriteVideoParamRequest", VideoParamRequest())
}

// WriteAudioParamRequest asks for the current audio settings.
func (s *Session) WriteAudioParamRequest() error {
	return s.writeNormal("Session.WriteAudioParamRequest", AudioParamRequest())
}

// WriteMouseTypeRequest asks for the current pointer mode.
func (s *Session) WriteMouseTypeRequest() error {
	return s.writeNormal("Session.WriteMouseTypeRequest", MouseTypeRequest())
}

// WriteKeyStatusRequest asks for the lock key LEDs.
func (s *Session) WriteKeyStatusRequest() error {
	return s.writeNormal("Session.WriteKeyStatusRequest", KeyStatusRequest())
}

// WriteBroadcastStatusRequest asks which channels receive broadcast input.
func (s *Session) WriteBroadcastStatusRequest() error {
	return s.writeNormal("Session.WriteBroadcastStatusRequest", BroadcastStatusRequest())
}

// WriteCustomVideoParam applies video adjustments.
func (s *Session) WriteCustomVideoParam(p VideoParam) error {
	return s.writeNormal("Session.WriteCustomVideoParam", p.Bytes())
}

// WriteCustomAudioParam applies audio settings.
func (s *Session) WriteCustomAudioParam(p AudioParam) error {
	return s.writeNormal("Session.WriteCustomAudioParam", p.Bytes())
}

// WriteCustomMouseType switches the pointer mode and raises
// EventMouseTypeWritten once sent.
func (s *Session) WriteCustomMouseType(mode MouseMode) error {
	setting := MouseTypeSetting{Mode: mode}
	if err := s.writeNormal("Session.WriteCustomMouseType", setting.Bytes()); err != nil {
		return err
	}
	s.emit(EventMouseTypeWritten, setting)
	return nil
}

// WriteBroadcastSetRequest enables broadcast input on the given channels.
func (s *Session) WriteBroadcastSetRequest(channels []int, keyboard, mouse bool) error {
	const op = "Session.WriteBroadcastSetRequest"
	req := BroadcastSetRequest{Keyboard: keyboard, Mouse: mouse}
	validator := newInputValidator()
	for _, ch := range channels {
		if err := validator.ValidateChannelNumber(ch); err != nil {
			return err
		}
		req.Channels[ch] = 1
	}
	return s.writeNormal(op, req.Bytes())
}

// WriteVMLinkRequest opens the configured media and announces it to the
// appliance. A media failure closes the backend and returns
// ErrStorageUnavailable but leaves the session open.
func (s *Session) WriteVMLinkRequest() error {
	const op = "Session.WriteVMLinkRequest"
	if s.cfg.Role != RoleVM {
		return protocolViolation(op, "media link requires a VM session", nil)
	}
	if s.IsBeforeNormal() {
		return ErrNotSent
	}

	s.mu.RLock()
	var media MediaDescriptor
	hasMedia := s.sctx.Media != nil
	if hasMedia {
		media = *s.sctx.Media
	}
	s.mu.RUnlock()
	if !hasMedia {
		return storageUnavailableError(op, "no media configured", nil)
	}
	if err := newInputValidator().ValidateMediaPath(media.Path); err != nil {
		return err
	}

	disk, err := s.cfg.DiskOpener(media)
	if err != nil {
		s.logger.Error("Failed to open media", Field{Key: "path", Value: media.Path}, Field{Key: "error", Value: err})
		return storageUnavailableError(op, fmt.Sprintf("open %s", media.Path), err)
	}

	link, err := NewVMLink(media, disk)
	if err != nil {
		if cerr := disk.Close(); cerr != nil {
			s.logger.Warn("Failed to close media", Field{Key: "error", Value: cerr})
		}
		s.logger.Error("Media not linkable", Field{Key: "path", Value: media.Path}, Field{Key: "error", Value: err})
		return err
	}

	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		_ = disk.Close()
		return storageUnavailableError(op, "session destroyed", nil)
	}
	prev := s.disk
	s.disk = disk
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if err := s.write(op, link.Bytes()); err != nil {
		// Destroy may already have taken and closed the backend.
		s.mu.Lock()
		owned := s.disk == disk
		if owned {
			s.disk = nil
		}
		s.mu.Unlock()
		if owned {
			_ = disk.Close()
		}
		return err
	}

	s.logger.Info("Media linked",
		Field{Key: "path", Value: media.Path},
		Field{Key: "kind", Value: media.Kind},
		Field{Key: "sectors", Value: link.SectorCount})
	s.emit(EventRefreshVMContext, s.Context())
	return nil
}

// SetMedia replaces the media used by the next WriteVMLinkRequest.
func (s *Session) SetMedia(media MediaDescriptor) {
	s.mu.Lock()
	s.sctx.Media = &media
	s.mu.Unlock()
}

// WriteVMClose tells the appliance the media is gone and closes the backend.
func (s *Session) WriteVMClose() error {
	s.mu.Lock()
	disk := s.disk
	s.disk = nil
	s.mu.Unlock()
	if disk != nil {
		if err := disk.Close(); err != nil {
			s.logger.Warn("Failed to close media", Field{Key: "error", Value: err})
		}
	}
	return s.writeNormal("Session.WriteVMClose", VMCloseRequest())
}
