package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultBufferSize is the read buffer size used when the caller passes 0.
// Matches the connection buffer the agents have historically used.
const DefaultBufferSize = 4096

var (
	// ErrTimeout reports that no complete frame arrived within the read deadline.
	ErrTimeout = errors.New("protocol: read timed out")
	// ErrEOF reports that the peer closed the stream. A partial frame pending
	// at close is discarded, never surfaced.
	ErrEOF = errors.New("protocol: connection closed by peer")
)

// Framer reads and writes newline-delimited JSON frames over a net.Conn.
//
// Reads are line-oriented: one blocking read waits for the first complete
// frame (bounded by the deadline), then every further complete frame already
// sitting in the buffer is drained without blocking, so a single ReadFrames
// call can return several frames.
//
// WriteFrame is the per-session writer serialization point: an internal mutex
// guarantees at most one in-flight write, so concurrent dispatchers never
// interleave bytes on the wire.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

// NewFramer wraps conn. bufSize <= 0 selects DefaultBufferSize.
func NewFramer(conn net.Conn, bufSize int) *Framer {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Framer{
		conn: conn,
		r:    bufio.NewReaderSize(conn, bufSize),
	}
}

// ReadFrames blocks until at least one complete frame arrives, then returns
// it together with any further complete frames already buffered. Empty lines
// are skipped and do not count as frames. timeout bounds the wait for the
// first frame; zero means no deadline.
//
// Returns ErrTimeout on deadline expiry, ErrEOF when the peer closed the
// stream (discarding any partial frame), or the underlying I/O error.
func (f *Framer) ReadFrames(timeout time.Duration) ([][]byte, error) {
	if timeout > 0 {
		if err := f.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("protocol: set read deadline: %w", err)
		}
	} else {
		if err := f.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("protocol: clear read deadline: %w", err)
		}
	}

	frames := make([][]byte, 0, 1)
	for {
		line, err := f.r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Partial frame at EOF is dropped by design: without its
				// terminator it was never a frame.
				return nil, ErrEOF
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("protocol: read: %w", err)
		}
		if frame := trimFrame(line); len(frame) > 0 {
			frames = append(frames, frame)
		}

		// Drain complete frames that arrived in the same burst. Only lines
		// whose terminator is already buffered are taken — this never blocks.
		for f.r.Buffered() > 0 {
			buffered, _ := f.r.Peek(f.r.Buffered())
			if bytes.IndexByte(buffered, '\n') < 0 {
				break
			}
			line, err := f.r.ReadBytes('\n')
			if err != nil {
				break
			}
			if frame := trimFrame(line); len(frame) > 0 {
				frames = append(frames, frame)
			}
		}

		if len(frames) > 0 {
			return frames, nil
		}
		// Only empty lines so far. The peer is sending bytes, just no frame
		// yet; keep waiting under the same deadline rather than reporting a
		// timeout for a talkative connection.
	}
}

// WriteFrame marshals msg, appends the frame terminator, and delivers it in a
// single write. timeout bounds the write; zero means no deadline.
func (f *Framer) WriteFrame(msg Message, timeout time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s: %w", msg.Kind(), err)
	}
	payload = append(payload, '\n')

	f.wmu.Lock()
	defer f.wmu.Unlock()

	if timeout > 0 {
		if err := f.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("protocol: set write deadline: %w", err)
		}
	} else {
		if err := f.conn.SetWriteDeadline(time.Time{}); err != nil {
			return fmt.Errorf("protocol: clear write deadline: %w", err)
		}
	}

	if _, err := f.conn.Write(payload); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msg.Kind(), err)
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (f *Framer) Close() error {
	return f.conn.Close()
}

// RemoteAddr returns the peer address, for logging and inventory records.
func (f *Framer) RemoteAddr() string {
	return f.conn.RemoteAddr().String()
}

// trimFrame strips the terminator and an optional '\r' left by peers that
// write CRLF.
func trimFrame(line []byte) []byte {
	frame := bytes.TrimRight(line, "\r\n")
	return frame
}
