package domain

import "github.com/jonboulle/clockwork"

// clock is a package-level time source so tests can freeze time via SetClock.
// Production code uses the real clock; tests inject a fake for deterministic output.
var clock = clockwork.NewRealClock()

// SetClock swaps the time source used when stamping records. Pass nil to reset
// to real time.
func SetClock(c clockwork.Clock) {
	if c == nil {
		clock = clockwork.NewRealClock()
		return
	}
	clock = c
}

// StampCreated sets both bookkeeping timestamps on a record about to be
// inserted. Storage backends never touch these; callers stamp before writing.
func (in *Incident) StampCreated() {
	now := clock.Now()
	in.CreatedAt = now
	in.UpdatedAt = now
}

// StampUpdated refreshes the modification timestamp before a write.
func (in *Incident) StampUpdated() {
	in.UpdatedAt = clock.Now()
}

// StampCreated sets the creation timestamp on a group about to be inserted.
func (g *IncidentGroup) StampCreated() {
	g.CreatedAt = clock.Now()
}
