// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"encoding/json"
	"sync"

	"github.com/weiawesome/wes-io-live/terminal-service/internal/transport"
)

// Recorder captures every frame sent to it.
type Recorder struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	fail    bool
	closeCt int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return transport.ErrClosed
	}
	if r.fail {
		return transport.ErrBackpressure
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames = append(r.frames, cp)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.closeCt++
	return nil
}

// FailSends makes every subsequent Send return ErrBackpressure.
func (r *Recorder) FailSends() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = true
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) CloseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCt
}

// Messages decodes every captured frame as a JSON object.
func (r *Recorder) Messages() []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(r.frames))
	for _, f := range r.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns captured messages whose "type" equals t.
func (r *Recorder) OfType(t string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range r.Messages() {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, or nil.
func (r *Recorder) Last() map[string]interface{} {
	msgs := r.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Reset drops captured frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
