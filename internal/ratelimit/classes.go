package ratelimit

import "github.com/adred-codev/chat-gateway/internal/auth"

// Window names used both as KV key suffixes (spec §6) and as the tie-break
// order when reporting which window was exceeded (narrowest first).
const (
	WindowSecond = "second"
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// orderedWindows lists the four windows narrowest-first, matching the
// tie-break rule in spec §4.B.
var orderedWindows = []string{WindowSecond, WindowMinute, WindowHour, WindowDay}

// ClassCaps holds the per-window message caps for one client class.
type ClassCaps struct {
	PerSecond int64
	PerMinute int64
	PerHour   int64
	PerDay    int64
}

func (c ClassCaps) cap(window string) int64 {
	switch window {
	case WindowSecond:
		return c.PerSecond
	case WindowMinute:
		return c.PerMinute
	case WindowHour:
		return c.PerHour
	case WindowDay:
		return c.PerDay
	default:
		return 0
	}
}

// DefaultClasses returns the spec's two built-in client classes. Callers
// may extend or override this map (spec §4.B: "extensible by config").
//
// The anonymous class is half the authenticated per-second cap and a
// quarter of the other three caps, each floored at 1 (not
// floored-then-subtract-one): matches
// original_source/backend/app/core/websocket_rate_limiter.py's
// max(1, messages_per_minute // 4).
func DefaultClasses() map[auth.ClientClass]ClassCaps {
	authenticated := ClassCaps{PerSecond: 10, PerMinute: 60, PerHour: 1000, PerDay: 10000}
	anonymous := ClassCaps{
		PerSecond: max64(1, authenticated.PerSecond/2),
		PerMinute: max64(1, authenticated.PerMinute/4),
		PerHour:   max64(1, authenticated.PerHour/4),
		PerDay:    max64(1, authenticated.PerDay/4),
	}
	return map[auth.ClientClass]ClassCaps{
		auth.ClassAuthenticated: authenticated,
		auth.ClassAnonymous:     anonymous,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
