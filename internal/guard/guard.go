// Package guard decides whether a sender may post into a room right now.
package guard

import (
	"math"
	"time"
)

// Verdict is the outcome of a post check.
type Verdict int

const (
	Allowed Verdict = iota
	Muted
	SlowMode
	Duplicate
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "allowed"
	case Muted:
		return "muted"
	case SlowMode:
		return "slow_mode"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Decision carries a verdict and, for slow mode, how long to wait.
type Decision struct {
	Verdict     Verdict
	WaitSeconds int
}

func (d Decision) Allowed() bool {
	return d.Verdict == Allowed
}

// Config tunes a Guard.
type Config struct {
	DedupSize   int
	DedupWindow time.Duration
}

// Guard holds one room's posting state. It is not safe for concurrent use;
// the room serializes access.
type Guard struct {
	mutes    *ExpiryTable
	dedup    *DedupWindow
	slowMode time.Duration
	lastPost map[string]time.Time
}

func New(cfg Config) *Guard {
	return &Guard{
		mutes:    NewExpiryTable(),
		dedup:    NewDedupWindow(cfg.DedupSize, cfg.DedupWindow),
		lastPost: make(map[string]time.Time),
	}
}

func (g *Guard) Mute(id string, until time.Time) {
	g.mutes.Set(id, until)
}

func (g *Guard) Unmute(id string) bool {
	return g.mutes.Remove(id)
}

func (g *Guard) IsMuted(id string, now time.Time) bool {
	return g.mutes.Active(id, now)
}

// SetSlowMode sets the minimum gap between posts; zero disables it.
func (g *Guard) SetSlowMode(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	g.slowMode = time.Duration(seconds) * time.Second
}

func (g *Guard) SlowModeSeconds() int {
	return int(g.slowMode / time.Second)
}

// CanPost checks mute and slow mode. exempt senders skip slow mode only.
func (g *Guard) CanPost(id string, exempt bool, now time.Time) Decision {
	if g.mutes.Active(id, now) {
		return Decision{Verdict: Muted}
	}
	if g.slowMode > 0 && !exempt {
		if last, ok := g.lastPost[id]; ok {
			elapsed := now.Sub(last)
			if elapsed < g.slowMode {
				wait := int(math.Ceil((g.slowMode - elapsed).Seconds()))
				return Decision{Verdict: SlowMode, WaitSeconds: wait}
			}
		}
	}
	return Decision{Verdict: Allowed}
}

func (g *Guard) IsDuplicate(content string, now time.Time) bool {
	return g.dedup.Contains(content, now)
}

// Admit runs every check and, when the post is allowed, records it.
func (g *Guard) Admit(id, content string, exempt bool, now time.Time) Decision {
	d := g.CanPost(id, exempt, now)
	if !d.Allowed() {
		return d
	}
	if g.IsDuplicate(content, now) {
		return Decision{Verdict: Duplicate}
	}
	g.lastPost[id] = now
	g.dedup.Record(content, now)
	return d
}

// ClearHistory forgets recent content, used when chat is cleared.
func (g *Guard) ClearHistory() {
	g.dedup.Reset()
}
