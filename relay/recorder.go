// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package relay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	kvm "github.com/tenthirtyam/go-kvm"
)

// Recorder appends raw video payloads to a writer, producing an Annex B
// elementary stream playable with ffplay. Only the first encoding seen is
// recorded; frames in any other encoding are counted as skipped.
type Recorder struct {
	mu       sync.Mutex
	w        *bufio.Writer
	closer   io.Closer
	encoding kvm.EncodingType
	started  bool
	frames   uint64
	bytes    uint64
	skipped  uint64
	err      error
}

var _ kvm.EventHandler = (*Recorder)(nil)

// NewRecorder records to w. Close flushes and, when w is an io.Closer, closes it.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// CreateRecorder records to a new file at path.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) // #nosec G304 - path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}
	return NewRecorder(f), nil
}

// HandleEvent records video frames.
func (r *Recorder) HandleEvent(_ *kvm.Session, ev kvm.Event) {
	if ev.Kind != kvm.EventVideoFrame {
		return
	}
	if frame, ok := ev.Data.(kvm.VideoFrame); ok {
		_ = r.WriteFrame(frame)
	}
}

// WriteFrame appends one payload. The first write error is sticky.
func (r *Recorder) WriteFrame(frame kvm.VideoFrame) error {
	if !frame.HasStream() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if !r.started {
		r.encoding = frame.Encoding
		r.started = true
	}
	if frame.Encoding != r.encoding {
		r.skipped++
		return nil
	}

	if _, err := r.w.Write(frame.Payload); err != nil {
		r.err = fmt.Errorf("failed to write recording: %w", err)
		return r.err
	}
	r.frames++
	r.bytes += uint64(len(frame.Payload))
	return nil
}

// RecorderStats summarizes a recording.
type RecorderStats struct {
	Encoding kvm.EncodingType
	Frames   uint64
	Bytes    uint64
	Skipped  uint64
}

// Stats returns the recording counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecorderStats{Encoding: r.encoding, Frames: r.frames, Bytes: r.bytes, Skipped: r.skipped}
}

// Close flushes buffered data and closes the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.w.Flush()
	if r.closer != nil {
		if cerr := r.closer.Close(); err == nil {
			err = cerr
		}
		r.closer = nil
	}
	return err
}
