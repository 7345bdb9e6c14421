package protocol

import (
	"io"

	"github.com/sagernet/sing/common/bufio"
)

// FrameWriter is the single writer for one peer socket's outbound path
// (spec §9, "single-writer per socket"). It batches whatever frames have
// accumulated on the session's outbound queue into one vectorised write
// when the underlying connection supports scatter-gather I/O, the same
// technique smux's sendLoop uses to write a frame header and its payload
// without an intermediate copy.
type FrameWriter struct {
	conn io.Writer
	vec  bufio.VectorisedWriter
	ok   bool
}

// NewFrameWriter wraps conn for batched frame writes.
func NewFrameWriter(conn io.Writer) *FrameWriter {
	vec, ok := bufio.CreateVectorisedWriter(conn)
	return &FrameWriter{conn: conn, vec: vec, ok: ok}
}

// WriteFrames writes each already-encoded frame (as produced by Encoder.Encode)
// to the connection, in order. When more than one frame is pending and the
// connection supports vectorised writes, they are written as a single
// scatter-gather syscall; otherwise each frame is written individually.
func (w *FrameWriter) WriteFrames(frames [][]byte) (int, error) {
	if len(frames) == 0 {
		return 0, nil
	}
	if w.ok && len(frames) > 1 {
		return bufio.WriteVectorised(w.vec, frames)
	}
	total := 0
	for _, f := range frames {
		n, err := w.conn.Write(f)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
