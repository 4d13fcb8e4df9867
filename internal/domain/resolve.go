package domain

import (
	"github.com/totegamma/relaykit"
)

// Resolve picks the authoritative version out of a set of events sharing
// one identity key: greatest CreatedAt wins, ties broken by
// lexicographically greatest ID. Pure and commutative, so the input
// order never affects the result.
func Resolve(events []relaykit.Event) (relaykit.Event, bool) {
	if len(events) == 0 {
		return relaykit.Event{}, false
	}
	best := events[0]
	for _, ev := range events[1:] {
		if Newer(ev, best) {
			best = ev
		}
	}
	return best, true
}

// Newer reports whether a supersedes b under last-write-wins.
func Newer(a, b relaykit.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}
