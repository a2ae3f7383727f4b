package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/meshsec/meshsec-go/pkg/log"
)

const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds a single stream frame. It leaves room for
	// a handshake carrying a post-quantum identity proof.
	DefaultMaxFrameSize = 64 * 1024
)

var (
	// ErrFrameTooLarge indicates the frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameEmpty indicates a zero-length frame.
	ErrFrameEmpty = errors.New("frame is empty")

	// ErrFrameTruncated indicates the stream ended inside a frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// frameTap emits transport events for frames crossing a stream.
type frameTap struct {
	logger log.Logger
	connID string
	peer   string
}

func (t *frameTap) emit(dir log.Direction, data []byte, overhead int) {
	if t.logger == nil {
		return
	}
	captured, truncated := log.Capture(data)
	t.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: t.connID,
		PeerID:       t.peer,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      overhead + len(data),
			Data:      captured,
			Truncated: truncated,
		},
	})
}

// FrameWriter writes length-prefixed frames. It is safe for concurrent use.
type FrameWriter struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex
	tap     frameTap
}

// NewFrameWriter creates a writer that accepts frames up to maxSize bytes,
// or DefaultMaxFrameSize when maxSize is zero.
func NewFrameWriter(w io.Writer, maxSize uint32) *FrameWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable it.
func (fw *FrameWriter) SetLogger(logger log.Logger, connID, peer string) {
	fw.mu.Lock()
	fw.tap = frameTap{logger: logger, connID: connID, peer: peer}
	fw.mu.Unlock()
}

// WriteFrame writes data with its length prefix in a single Write call.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint64(len(data)) > uint64(fw.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), fw.maxSize)
	}

	buf := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[LengthPrefixSize:], data)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	fw.tap.emit(log.DirectionOut, data, LengthPrefixSize)
	return nil
}

// FrameReader reads length-prefixed frames. It is not safe for concurrent
// use.
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	prefix  [LengthPrefixSize]byte
	tap     frameTap
}

// NewFrameReader creates a reader that rejects frames larger than maxSize,
// or DefaultMaxFrameSize when maxSize is zero.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// SetLogger configures protocol logging. Pass nil to disable it.
func (fr *FrameReader) SetLogger(logger log.Logger, connID, peer string) {
	fr.tap = frameTap{logger: logger, connID: connID, peer: peer}
}

// ReadFrame returns the next frame payload. A clean end of stream between
// frames returns io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		switch {
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		default:
			return nil, fmt.Errorf("read length prefix: %w", err)
		}
	}

	n := binary.BigEndian.Uint32(fr.prefix[:])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, fr.maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	fr.tap.emit(log.DirectionIn, payload, LengthPrefixSize)
	return payload, nil
}

// Framer combines frame reading and writing over one stream.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a framer for bidirectional communication.
func NewFramer(rw io.ReadWriter, maxSize uint32) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw, maxSize),
		FrameWriter: NewFrameWriter(rw, maxSize),
	}
}

// SetLogger configures logging for both directions.
func (f *Framer) SetLogger(logger log.Logger, connID, peer string) {
	f.FrameReader.SetLogger(logger, connID, peer)
	f.FrameWriter.SetLogger(logger, connID, peer)
}
