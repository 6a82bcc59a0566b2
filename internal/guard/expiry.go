package guard

import "time"

// Never is the expiry of a restriction without a duration.
var Never = time.Time{}

// Until returns the expiry for a restriction lasting d from now.
// A non-positive d means the restriction never expires.
func Until(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return Never
	}
	return now.Add(d)
}

// ExpiryTable maps identities to restriction expiries (bans, mutes).
// Expired entries are dropped when they are read, never by a sweep.
// Not safe for concurrent use; callers hold the owning room's lock.
type ExpiryTable struct {
	entries map[string]time.Time
}

func NewExpiryTable() *ExpiryTable {
	return &ExpiryTable{entries: make(map[string]time.Time)}
}

func (t *ExpiryTable) Set(id string, until time.Time) {
	t.entries[id] = until
}

// Remove deletes the entry and reports whether one was present.
func (t *ExpiryTable) Remove(id string) bool {
	_, ok := t.entries[id]
	delete(t.entries, id)
	return ok
}

// Active reports whether id is restricted at now.
func (t *ExpiryTable) Active(id string, now time.Time) bool {
	until, ok := t.entries[id]
	if !ok {
		return false
	}
	if until.IsZero() || now.Before(until) {
		return true
	}
	delete(t.entries, id)
	return false
}

func (t *ExpiryTable) Len() int {
	return len(t.entries)
}
