package eventbus

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gin-contrib/sse"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
)

const defaultStreamBuffer = 64

// Stream is the Transport behind an SSE response. Frames are queued by Send
// and written by Serve on the request goroutine.
type Stream struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &Stream{
		frames: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Send(data []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.frames <- data:
		return nil
	default:
		return transport.ErrBackpressure
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// WriteHeaders sets the SSE response headers.
func WriteHeaders(h http.Header) {
	h.Set("Content-Type", sse.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Serve writes queued frames as SSE data lines until ctx ends or the stream
// is closed. onWrite runs after each frame is flushed.
func (s *Stream) Serve(ctx context.Context, w io.Writer, flusher http.Flusher, onWrite func()) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			// Frames queued before Close, such as stream_end, still go out.
			for {
				select {
				case frame := <-s.frames:
					if err := writeFrame(w, flusher, frame, onWrite); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case frame := <-s.frames:
			if err := writeFrame(w, flusher, frame, onWrite); err != nil {
				return err
			}
		}
	}
}

func writeFrame(w io.Writer, flusher http.Flusher, frame []byte, onWrite func()) error {
	if err := sse.Encode(w, sse.Event{Data: string(frame)}); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	if onWrite != nil {
		onWrite()
	}
	return nil
}
