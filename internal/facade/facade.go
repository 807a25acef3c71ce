// Package facade implements the Sync Facade (C8): the single owned
// object that binds the Room Clock, Clock Synchronizer, Future-Start
// Scheduler, Catch-Up Controller, KeepSync Controller, and Metrics &
// Protection components to the external collaborators (transport,
// decoder, discovery, file transfer, calibration). Per spec §2 the Host
// and Client sides run different subsets of the core (the Host runs only
// C4 locally plus the host_state broadcast; the Client runs C2/C3/C4/C5/
// C6/C7), so the role split is modeled as two facade types, Host and
// Client, rather than one type branching on a role field throughout.
package facade

import (
	"time"

	"github.com/roomsync-labs/roomsync/internal/applog"
)

// unknownLimiter rate-limits "unknown message type" warnings to at most
// once per 2s, satisfying spec §6's "tolerated and logged at ≤1/2s rate"
// requirement (2s err on the conservative side of that bound).
var unknownLimiter = applog.NewRateLimiter(2 * time.Second)

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
