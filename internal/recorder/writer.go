package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/usda-vision/coordinator/internal/camdevice"
)

// FrameWriter accepts decoded frames and produces the on-disk recording
// container. The coordinator ships a raw length-prefixed container
// (rawContainerWriter below) since no vendor video encoder is in scope here;
// a production deployment swaps this for a real muxer without touching
// the capture loop.
type FrameWriter interface {
	WriteFrame(data []byte, header camdevice.FrameHeader) error
	Close() (bytesWritten int64, err error)
}

type rawContainerWriter struct {
	f       *os.File
	buf     *bufio.Writer
	written int64
}

// newRawContainerWriter creates path and writes an 8-byte container
// header holding only the "VCAP1" format marker; the fps argument is not
// written to the file.
func newRawContainerWriter(path string, fps int) (FrameWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	buf := bufio.NewWriter(f)
	header := make([]byte, 8)
	copy(header, []byte("VCAP1\x00\x00\x00"))
	if _, err := buf.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	w := &rawContainerWriter{f: f, buf: buf, written: int64(len(header))}
	return w, nil
}

func (w *rawContainerWriter) WriteFrame(data []byte, header camdevice.FrameHeader) error {
	frameHeader := make([]byte, 16)
	binary.LittleEndian.PutUint32(frameHeader[0:4], uint32(header.Width))
	binary.LittleEndian.PutUint32(frameHeader[4:8], uint32(header.Height))
	binary.LittleEndian.PutUint32(frameHeader[8:12], uint32(len(data)))
	if _, err := w.buf.Write(frameHeader); err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	w.written += int64(len(frameHeader) + len(data))
	return nil
}

func (w *rawContainerWriter) Close() (int64, error) {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return w.written, err
	}
	if err := w.f.Close(); err != nil {
		return w.written, err
	}
	return w.written, nil
}
