package guard

import (
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupWindow remembers hashes of recently accepted content, bounded both
// by count and by age.
type DedupWindow struct {
	size   int
	maxAge time.Duration
	seen   map[uint64]time.Time
	order  []uint64
}

func NewDedupWindow(size int, maxAge time.Duration) *DedupWindow {
	if size <= 0 {
		size = 50
	}
	return &DedupWindow{
		size:   size,
		maxAge: maxAge,
		seen:   make(map[uint64]time.Time, size),
	}
}

// Normalize folds case and whitespace so trivially different echoes collide.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

func hashContent(content string) uint64 {
	return xxhash.Sum64String(Normalize(content))
}

// Contains reports whether content was recorded within the window.
func (w *DedupWindow) Contains(content string, now time.Time) bool {
	w.evict(now)
	_, ok := w.seen[hashContent(content)]
	return ok
}

// Record adds content to the window.
func (w *DedupWindow) Record(content string, now time.Time) {
	h := hashContent(content)
	if _, ok := w.seen[h]; ok {
		for i, v := range w.order {
			if v == h {
				w.order = append(w.order[:i], w.order[i+1:]...)
				break
			}
		}
	}
	w.order = append(w.order, h)
	w.seen[h] = now
	for len(w.order) > w.size {
		delete(w.seen, w.order[0])
		w.order = w.order[1:]
	}
}

// Reset forgets everything.
func (w *DedupWindow) Reset() {
	w.seen = make(map[uint64]time.Time, w.size)
	w.order = nil
}

func (w *DedupWindow) evict(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	i := 0
	for ; i < len(w.order); i++ {
		h := w.order[i]
		if now.Sub(w.seen[h]) < w.maxAge {
			break
		}
		delete(w.seen, h)
	}
	w.order = w.order[i:]
}
