package room

import "unicode/utf8"

// DefaultReplaySize is the number of recent terminal bytes kept per room.
const DefaultReplaySize = 500_000

// ReplayBuffer keeps the tail of a room's terminal output so new viewers can
// catch up. The backing slice grows to twice the limit before compacting, so
// steady streaming does not copy the whole tail on every write.
type ReplayBuffer struct {
	limit int
	buf   []byte
}

func NewReplayBuffer(limit int) *ReplayBuffer {
	if limit <= 0 {
		limit = DefaultReplaySize
	}
	return &ReplayBuffer{limit: limit}
}

func (b *ReplayBuffer) Write(data string) {
	b.buf = append(b.buf, data...)
	if len(b.buf) > 2*b.limit {
		tail := b.tail()
		b.buf = append(make([]byte, 0, b.limit*2), tail...)
	}
}

// String returns at most limit recent bytes, starting on a rune boundary.
func (b *ReplayBuffer) String() string {
	return string(b.tail())
}

func (b *ReplayBuffer) Len() int {
	return len(b.tail())
}

func (b *ReplayBuffer) Reset() {
	b.buf = nil
}

func (b *ReplayBuffer) tail() []byte {
	if len(b.buf) <= b.limit {
		return b.buf
	}
	cut := len(b.buf) - b.limit
	for cut < len(b.buf) && !utf8.RuneStart(b.buf[cut]) {
		cut++
	}
	return b.buf[cut:]
}
