package core

// VersionVector tracks, per origin node, the highest sequence number whose
// effects are reflected in some state. Entries from different origins are
// compared causally through their vectors, never by wall clock.
type VersionVector map[string]uint64

// Clone returns a deep copy.
func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for k, v := range vv {
		out[k] = v
	}
	return out
}

// Get returns the recorded sequence for origin, zero when absent.
func (vv VersionVector) Get(origin string) uint64 {
	return vv[origin]
}

// Observe records that seq from origin is reflected. Sequences only move
// forward.
func (vv VersionVector) Observe(origin string, seq uint64) {
	if seq > vv[origin] {
		vv[origin] = seq
	}
}

// Merge folds other into vv, keeping the per-origin maximum.
func (vv VersionVector) Merge(other VersionVector) {
	for origin, seq := range other {
		vv.Observe(origin, seq)
	}
}

// Dominates reports whether vv reflects everything other does.
func (vv VersionVector) Dominates(other VersionVector) bool {
	for origin, seq := range other {
		if vv[origin] < seq {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither vector dominates the other: the two
// states diverged from a common past and need deterministic resolution.
func (vv VersionVector) Concurrent(other VersionVector) bool {
	return !vv.Dominates(other) && !other.Dominates(vv)
}
