// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single wire frame. Frames beyond this are a
// protocol violation; the connection is considered poisoned and closed.
const MaxFrameSize = 64 * 1024

// FrameReader reads newline-delimited JSON frames from a stream transport.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame reading. The buffer holds a maximal
// frame plus its delimiter.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, MaxFrameSize+1)}
}

// ReadFrame returns the next frame without its trailing newline.
// Empty lines are skipped. io.EOF is returned unwrapped so callers can
// distinguish orderly close from transport errors. The read is bounded
// by the buffer: a stream that never yields a newline errors out at
// MaxFrameSize instead of accumulating the line in memory.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		line, err := fr.r.ReadSlice('\n')
		if err != nil {
			if err == bufio.ErrBufferFull {
				return nil, fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)
			}
			if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
				// Final frame without trailing newline. ReadSlice's
				// result aliases the buffer, so copy out.
				return append([]byte(nil), bytes.TrimSpace(line)...), nil
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
}

// FrameWriter writes newline-delimited JSON frames to a stream transport.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter wraps w for frame writing.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// WriteFrame writes one frame and flushes. The frame must not contain a
// newline; the delimiter is appended here.
func (fw *FrameWriter) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("protocol: frame contains embedded newline")
	}
	if _, err := fw.w.Write(frame); err != nil {
		return err
	}
	if err := fw.w.WriteByte('\n'); err != nil {
		return err
	}
	return fw.w.Flush()
}
