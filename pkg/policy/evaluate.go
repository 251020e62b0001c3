package policy

import "time"

// EntryState describes the cache entry found for a request
type EntryState int

const (
	Absent EntryState = iota
	Fresh
	Stale
)

func (s EntryState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// Action is the first step of a plan
type Action int

const (
	// ServeCache answers from the cache entry
	ServeCache Action = iota
	// FetchNetwork calls the network
	FetchNetwork
	// FailCacheMiss fails without touching the network
	FailCacheMiss
)

func (a Action) String() string {
	switch a {
	case ServeCache:
		return "serve_cache"
	case FetchNetwork:
		return "fetch_network"
	case FailCacheMiss:
		return "fail_cache_miss"
	default:
		return "unknown"
	}
}

// Plan is the outcome of evaluating a policy against an entry
type Plan struct {
	Action Action

	// WriteThrough stores a successful network response
	WriteThrough bool

	// Fallback serves the cache entry if the network fetch fails
	Fallback bool
}

// ReadsCache reports whether mode ever serves a cached entry.
// NetworkOnly requests skip the lookup entirely.
func (m Mode) ReadsCache() bool {
	return m != NetworkOnly
}

// State classifies an entry. A zero MaxStale on the policy defers to
// storeDefault; a zero storeDefault means entries never go stale.
func (p Policy) State(present bool, createdAt, now time.Time, storeDefault time.Duration) EntryState {
	if !present {
		return Absent
	}

	maxStale := p.MaxStale
	if maxStale <= 0 {
		maxStale = storeDefault
	}
	if maxStale > 0 && now.Sub(createdAt) > maxStale {
		return Stale
	}
	return Fresh
}

// Evaluate returns the plan for policy p and entry state s
func Evaluate(p Policy, s EntryState) Plan {
	switch p.Mode {
	case CacheOnly:
		// Staleness is ignored; the network is never consulted
		if s == Absent {
			return Plan{Action: FailCacheMiss}
		}
		return Plan{Action: ServeCache}

	case NetworkOnly:
		return Plan{Action: FetchNetwork, WriteThrough: true}

	case NetworkFirst:
		return Plan{Action: FetchNetwork, WriteThrough: true, Fallback: s != Absent}

	default: // CacheFirst
		switch s {
		case Fresh:
			return Plan{Action: ServeCache}
		case Stale:
			return Plan{Action: FetchNetwork, WriteThrough: true, Fallback: true}
		default:
			return Plan{Action: FetchNetwork, WriteThrough: true}
		}
	}
}
